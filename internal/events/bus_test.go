package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/chain-crawler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToEverySubscriber(t *testing.T) {
	bus := NewBus(nil)

	var got []types.ProposalEvent
	handler := func(ctx context.Context, payload json.RawMessage) error {
		var evt types.ProposalEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		got = append(got, evt)
		return nil
	}
	bus.Subscribe(types.EventProposalDepositing, handler)
	bus.Subscribe(types.EventProposalDepositing, handler)

	err := bus.Publish(context.Background(), types.EventProposalDepositing, types.ProposalEvent{ChainID: "euphoria-2", ProposalID: "7"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "7", got[0].ProposalID)
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus(nil)
	assert.NoError(t, bus.Publish(context.Background(), types.EventProposalVoting, types.ProposalEvent{ChainID: "a", ProposalID: "1"}))
}

func TestBus_JoinsHandlerErrors(t *testing.T) {
	bus := NewBus(nil)
	first := errors.New("enqueue failed")

	calls := 0
	bus.Subscribe("x", func(ctx context.Context, payload json.RawMessage) error {
		calls++
		return first
	})
	bus.Subscribe("x", func(ctx context.Context, payload json.RawMessage) error {
		calls++
		return nil
	})

	err := bus.Publish(context.Background(), "x", map[string]int{"n": 1})
	assert.ErrorIs(t, err, first)
	assert.Equal(t, 2, calls)

	assert.Error(t, bus.Publish(context.Background(), "x", make(chan int)))
}
