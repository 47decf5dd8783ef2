package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/chain-crawler/internal/adapter"
	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/storage"
	"github.com/chain-crawler/internal/types"
)

// DepositStore reads a stored proposal and replaces its deposits
type DepositStore interface {
	FindByIdentity(ctx context.Context, chainID, proposalID string) (*models.Proposal, error)
	SetDeposits(ctx context.Context, chainID, proposalID string, deposits []types.Deposit) error
}

// DepositCrawler fetches the deposits of proposals in their deposit period
type DepositCrawler struct {
	collector *adapter.Collector
	store     DepositStore
	jobs      JobScheduler
	pageLimit int
	logger    *logging.Logger
}

// NewDepositCrawler creates a deposit crawler
func NewDepositCrawler(collector *adapter.Collector, store DepositStore, jobs JobScheduler, pageLimit int, logger *logging.Logger) *DepositCrawler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &DepositCrawler{
		collector: collector,
		store:     store,
		jobs:      jobs,
		pageLimit: pageLimit,
		logger:    logger.WithComponent("deposit-crawler"),
	}
}

// OnProposalDepositing enqueues a crawl.deposit.proposal job for the announced proposal
func (c *DepositCrawler) OnProposalDepositing(ctx context.Context, raw json.RawMessage) error {
	var event types.ProposalEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("invalid %s payload: %w", types.EventProposalDepositing, err)
	}

	payload := types.CrawlDepositPayload{ChainID: event.ChainID, ProposalID: event.ProposalID}
	if _, err := c.jobs.CreateJob(ctx, types.QueueDepositProposal, payload, job.Options{RemoveOnComplete: true}); err != nil {
		return fmt.Errorf("failed to enqueue deposit crawl of proposal %s: %w", event.ProposalID, err)
	}
	return nil
}

// Handle is the processor of crawl.deposit.proposal. Proposals that are not
// stored are skipped, and an empty listing leaves the stored deposits untouched.
func (c *DepositCrawler) Handle(ctx context.Context, j *job.Job) error {
	var payload types.CrawlDepositPayload
	if err := j.Decode(&payload); err != nil {
		return err
	}

	log := c.logger.WithFields(map[string]interface{}{
		"chain":    payload.ChainID,
		"proposal": payload.ProposalID,
	})
	if _, err := c.store.FindByIdentity(ctx, payload.ChainID, payload.ProposalID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warnf("skipping deposits of proposal %s: not stored on %s", payload.ProposalID, payload.ChainID)
			return nil
		}
		return fmt.Errorf("failed to read proposal %s: %w", payload.ProposalID, err)
	}

	deposits, err := adapter.CollectAs[types.Deposit](ctx, c.collector, adapter.PageRequest{
		ChainID:   payload.ChainID,
		Path:      fmt.Sprintf("/cosmos/gov/v1beta1/proposals/%s/deposits", url.PathEscape(payload.ProposalID)),
		ItemsKey:  "deposits",
		PageLimit: c.pageLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to crawl deposits of proposal %s: %w", payload.ProposalID, err)
	}
	if len(deposits) == 0 {
		return nil
	}

	err = c.store.SetDeposits(ctx, payload.ChainID, payload.ProposalID, deposits)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("deposits crawled for a proposal that is not stored")
	case err != nil:
		reconciledItems.WithLabelValues("deposits", "failed").Inc()
		log.WithError(err).Error("failed to store deposits")
	default:
		reconciledItems.WithLabelValues("deposits", "stored").Inc()
	}
	return nil
}
