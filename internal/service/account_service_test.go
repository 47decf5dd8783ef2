package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chain-crawler/internal/events"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountInfoService_Get(t *testing.T) {
	store := newMemoryAccountStore()
	require.NoError(t, store.Upsert(context.Background(), &models.AccountResource{
		Address:      "aura1a",
		ChainID:      testChain,
		ChainName:    "Aura Euphoria",
		ResourceType: types.ResourceBalances,
		Payload:      json.RawMessage(`[{"denom":"uaura","amount":"1"}]`),
		LastUpdated:  time.Now(),
	}))
	svc := NewAccountInfoService(store, &fakePublisher{})

	info, err := svc.Get(context.Background(), "aura1a", testChain)
	require.NoError(t, err)
	assert.Equal(t, "Aura Euphoria", info.ChainName)
	assert.JSONEq(t, `[{"denom":"uaura","amount":"1"}]`, string(info.Balances))
	assert.JSONEq(t, `[]`, string(info.UnbondingDelegations))

	info, err = svc.Get(context.Background(), "aura1unknown", testChain)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(info.Balances))
}

func TestAccountInfoService_RequestCrawlEnqueuesJobs(t *testing.T) {
	jobs := &fakeScheduler{}
	bus := events.NewBus(testLogger())
	bus.Subscribe(types.EventAccountUpsertEach, NewAccountTrigger(jobs).OnUpsertEach)
	svc := NewAccountInfoService(newMemoryAccountStore(), bus)

	require.NoError(t, svc.RequestCrawl(context.Background(), testChain, []string{"aura1a"}))

	created := jobs.created()
	require.Len(t, created, 2)
	assert.Equal(t, types.QueueAccountBalances, created[0].Queue)
	assert.Equal(t, types.QueueAccountUnbonds, created[1].Queue)

	assert.Error(t, svc.RequestCrawl(context.Background(), testChain, nil))
}
