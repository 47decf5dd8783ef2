package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/types"
)

// AccountTrigger turns account-info.upsert-each events into account crawl jobs
type AccountTrigger struct {
	jobs JobScheduler
}

// NewAccountTrigger creates a trigger enqueuing on jobs
func NewAccountTrigger(jobs JobScheduler) *AccountTrigger {
	return &AccountTrigger{jobs: jobs}
}

// OnUpsertEach enqueues one balances and one unbonds crawl for the event's addresses
func (t *AccountTrigger) OnUpsertEach(ctx context.Context, raw json.RawMessage) error {
	var payload types.CrawlAccountPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", types.EventAccountUpsertEach, err)
	}
	if payload.ChainID == "" || len(payload.Addresses) == 0 {
		return fmt.Errorf("%s requires a chain id and at least one address", types.EventAccountUpsertEach)
	}

	opts := job.Options{RemoveOnComplete: true}
	for _, queue := range []string{types.QueueAccountBalances, types.QueueAccountUnbonds} {
		if _, err := t.jobs.CreateJob(ctx, queue, payload, opts); err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", queue, err)
		}
	}
	return nil
}
