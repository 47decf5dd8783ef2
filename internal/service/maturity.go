package service

import (
	"context"
	"fmt"
	"time"

	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/types"
)

// JobScheduler creates jobs on a named queue
type JobScheduler interface {
	CreateJob(ctx context.Context, queue string, payload interface{}, opts job.Options) (*job.Job, error)
}

// MaturityScheduler re-crawls an address's unbonding delegations when one of
// its entries completes. Every entry gets its own job, so an address with
// several maturing entries is crawled several times.
type MaturityScheduler struct {
	jobs   JobScheduler
	now    func() time.Time
	logger *logging.Logger
}

// NewMaturityScheduler creates a scheduler that enqueues on jobs
func NewMaturityScheduler(jobs JobScheduler, logger *logging.Logger) *MaturityScheduler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &MaturityScheduler{
		jobs:   jobs,
		now:    time.Now,
		logger: logger.WithComponent("maturity-scheduler"),
	}
}

// Schedule enqueues one crawl.account-unbonds job per unbonding entry, delayed
// until the entry's completion time. Past completion times run immediately.
// Entries with an unreadable completion time are skipped.
func (m *MaturityScheduler) Schedule(ctx context.Context, chainID, address string, unbonds []types.UnbondingResponse) (int, error) {
	now := m.now()
	scheduled := 0

	for _, unbond := range unbonds {
		for _, entry := range unbond.Entries {
			completion, err := time.Parse(time.RFC3339Nano, entry.CompletionTime)
			if err != nil {
				m.logger.WithFields(map[string]interface{}{
					"chain":   chainID,
					"address": address,
					"value":   entry.CompletionTime,
				}).Warn("skipping unbonding entry with invalid completion time")
				continue
			}

			opts := job.Options{RemoveOnComplete: true}.WithDelay(completion.Sub(now))
			payload := types.CrawlAccountPayload{ChainID: chainID, Addresses: []string{address}}
			if _, err := m.jobs.CreateJob(ctx, types.QueueAccountUnbonds, payload, opts); err != nil {
				return scheduled, fmt.Errorf("failed to schedule unbond maturity of %s on %s: %w", address, chainID, err)
			}
			scheduled++
			maturityJobs.WithLabelValues(chainID).Inc()
		}
	}

	return scheduled, nil
}
