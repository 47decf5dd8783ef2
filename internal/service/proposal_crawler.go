package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chain-crawler/internal/adapter"
	"github.com/chain-crawler/internal/events"
	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/types"
)

// ProposalStore persists the governance proposals of a chain
type ProposalStore interface {
	FindByChain(ctx context.Context, chainID string) ([]*models.Proposal, error)
	Upsert(ctx context.Context, p *models.Proposal) error
	UpdateStatus(ctx context.Context, chainID, proposalID string, status types.ProposalStatus) error
}

// remoteProposal is the part of an LCD proposal the reconciler reads; the
// whole object is kept as the stored body
type remoteProposal struct {
	ProposalID string               `json:"proposal_id"`
	Status     types.ProposalStatus `json:"status"`
}

// ProposalCrawler reconciles the stored proposals of a chain against the full
// remote listing. Proposals missing from the listing are demoted to
// PROPOSAL_STATUS_NOT_ENOUGH_DEPOSIT.
type ProposalCrawler struct {
	collector *adapter.Collector
	store     ProposalStore
	publisher events.Publisher
	pageLimit int
	logger    *logging.Logger
	now       func() time.Time
}

// NewProposalCrawler creates a proposal crawler
func NewProposalCrawler(collector *adapter.Collector, store ProposalStore, publisher events.Publisher, pageLimit int, logger *logging.Logger) *ProposalCrawler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ProposalCrawler{
		collector: collector,
		store:     store,
		publisher: publisher,
		pageLimit: pageLimit,
		logger:    logger.WithComponent("proposal-crawler"),
		now:       time.Now,
	}
}

// Schedule creates the repeating crawl.proposal job of every chain
func (c *ProposalCrawler) Schedule(ctx context.Context, jobs JobScheduler, chainIDs []string, every time.Duration) error {
	for _, chainID := range chainIDs {
		opts := job.Options{
			Repeat:           &job.Repeat{EveryMillis: every.Milliseconds()},
			RemoveOnComplete: true,
		}
		if _, err := jobs.CreateJob(ctx, types.QueueProposal, types.CrawlProposalPayload{ChainID: chainID}, opts); err != nil {
			return fmt.Errorf("failed to schedule proposal crawl of %s: %w", chainID, err)
		}
	}
	return nil
}

// Handle is the processor of crawl.proposal
func (c *ProposalCrawler) Handle(ctx context.Context, j *job.Job) error {
	var payload types.CrawlProposalPayload
	if err := j.Decode(&payload); err != nil {
		return err
	}
	if err := j.UpdateProgress(ctx, 10); err != nil {
		c.logger.WithError(err).Warn("failed to record progress")
	}

	remote, err := c.collect(ctx, payload.ChainID)
	if err != nil {
		return err
	}
	stored, err := c.store.FindByChain(ctx, payload.ChainID)
	if err != nil {
		return fmt.Errorf("failed to load stored proposals of %s: %w", payload.ChainID, err)
	}

	c.Reconcile(ctx, payload.ChainID, remote, stored)
	return nil
}

func (c *ProposalCrawler) collect(ctx context.Context, chainID string) ([]*models.Proposal, error) {
	items, err := c.collector.Collect(ctx, adapter.PageRequest{
		ChainID:   chainID,
		Path:      "/cosmos/gov/v1beta1/proposals",
		ItemsKey:  "proposals",
		PageLimit: c.pageLimit,
		Query:     map[string][]string{"pagination.count_total": {"true"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to crawl proposals of %s: %w", chainID, err)
	}

	proposals := make([]*models.Proposal, 0, len(items))
	for _, item := range items {
		var rp remoteProposal
		if err := json.Unmarshal(item, &rp); err != nil {
			return nil, fmt.Errorf("failed to decode proposal of %s: %w", chainID, err)
		}
		if rp.ProposalID == "" {
			return nil, fmt.Errorf("proposal of %s has no proposal_id", chainID)
		}
		proposals = append(proposals, &models.Proposal{
			ProposalID: rp.ProposalID,
			ChainID:    chainID,
			Status:     rp.Status,
			Body:       item,
			UpdatedAt:  c.now(),
		})
	}
	return proposals, nil
}

// Reconcile applies the remote snapshot to the stored set of one chain.
// Open proposals are announced, every remote proposal is upserted, and stored
// proposals absent from the snapshot are demoted. Item failures are logged.
func (c *ProposalCrawler) Reconcile(ctx context.Context, chainID string, remote, stored []*models.Proposal) {
	present := make(map[string]struct{}, len(remote))
	for _, p := range remote {
		present[p.ProposalID] = struct{}{}
		c.announce(ctx, p)
	}

	var wg sync.WaitGroup
	for _, p := range remote {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.store.Upsert(ctx, p); err != nil {
				reconciledItems.WithLabelValues("proposals", "failed").Inc()
				c.logger.WithError(err).WithFields(map[string]interface{}{
					"chain":    chainID,
					"proposal": p.ProposalID,
				}).Error("failed to store proposal")
				return
			}
			reconciledItems.WithLabelValues("proposals", "stored").Inc()
		}()
	}
	wg.Wait()

	for _, p := range stored {
		if _, ok := present[p.ProposalID]; ok || p.Status == types.ProposalStatusNotEnoughDeposit {
			continue
		}
		if err := c.store.UpdateStatus(ctx, chainID, p.ProposalID, types.ProposalStatusNotEnoughDeposit); err != nil {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"chain":    chainID,
				"proposal": p.ProposalID,
			}).Error("failed to demote proposal")
			continue
		}
		p.Status = types.ProposalStatusNotEnoughDeposit
		proposalsDemoted.WithLabelValues(chainID).Inc()
	}
}

func (c *ProposalCrawler) announce(ctx context.Context, p *models.Proposal) {
	var name string
	switch p.Status {
	case types.ProposalStatusDepositPeriod:
		name = types.EventProposalDepositing
	case types.ProposalStatusVotingPeriod:
		name = types.EventProposalVoting
	default:
		return
	}

	event := types.ProposalEvent{ChainID: p.ChainID, ProposalID: p.ProposalID}
	if err := c.publisher.Publish(ctx, name, event); err != nil {
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"event":    name,
			"chain":    p.ChainID,
			"proposal": p.ProposalID,
		}).Error("failed to publish proposal event")
	}
}
