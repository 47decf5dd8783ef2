package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/search"
	"github.com/chain-crawler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountResourceRepository_UpsertIsIdempotent(t *testing.T) {
	db := testDB(t)
	repo := NewAccountResourceRepository(db)
	ctx := testContext(t)

	first := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	res := &models.AccountResource{
		Address:      "aura1abc",
		ChainID:      "euphoria-2",
		ChainName:    "Aura Euphoria",
		ResourceType: types.ResourceBalances,
		Payload:      json.RawMessage(`[{"denom":"ueaura","amount":"10"}]`),
		LastUpdated:  first,
	}
	require.NoError(t, repo.Upsert(ctx, res))
	stored, err := repo.FindByIdentity(ctx, res.Identity())
	require.NoError(t, err)

	again := *res
	again.LastUpdated = first.Add(time.Hour)
	require.NoError(t, repo.Upsert(ctx, &again))

	restored, err := repo.FindByIdentity(ctx, res.Identity())
	require.NoError(t, err)
	assert.Equal(t, stored, restored)

	changed := *res
	changed.Payload = json.RawMessage(`[{"denom":"ueaura","amount":"11"}]`)
	changed.LastUpdated = first.Add(2 * time.Hour)
	require.NoError(t, repo.Upsert(ctx, &changed))

	updated, err := repo.FindByIdentity(ctx, res.Identity())
	require.NoError(t, err)
	assert.Equal(t, stored.ID, updated.ID)
	assert.JSONEq(t, `[{"denom":"ueaura","amount":"11"}]`, string(updated.Payload))
	assert.True(t, updated.LastUpdated.Equal(changed.LastUpdated))

	renamed := changed
	renamed.ChainName = "Aura Testnet"
	renamed.LastUpdated = first.Add(3 * time.Hour)
	require.NoError(t, repo.Upsert(ctx, &renamed))

	updated, err = repo.FindByIdentity(ctx, res.Identity())
	require.NoError(t, err)
	assert.Equal(t, "Aura Testnet", updated.ChainName)
	assert.True(t, updated.LastUpdated.Equal(renamed.LastUpdated))

	all, err := repo.FindByAddress(ctx, "aura1abc", "euphoria-2")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = repo.FindByIdentity(ctx, models.AccountIdentity{Address: "x", ChainID: "y", ResourceType: types.ResourceUnbonds})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProposalRepository_UpsertKeepsDeposits(t *testing.T) {
	db := testDB(t)
	repo := NewProposalRepository(db)
	ctx := testContext(t)

	p := &models.Proposal{
		ProposalID: "7",
		ChainID:    "euphoria-2",
		Status:     types.ProposalStatusDepositPeriod,
		Body:       json.RawMessage(`{"proposal_id":"7"}`),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, repo.Upsert(ctx, p))

	deposits := []types.Deposit{{Depositor: "aura1dep", Amount: []types.Coin{{Denom: "ueaura", Amount: "5"}}}}
	require.NoError(t, repo.SetDeposits(ctx, "euphoria-2", "7", deposits))

	p.Status = types.ProposalStatusVotingPeriod
	p.Deposits = nil
	require.NoError(t, repo.Upsert(ctx, p))

	stored, err := repo.FindByIdentity(ctx, "euphoria-2", "7")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalStatusVotingPeriod, stored.Status)
	assert.Equal(t, deposits, stored.Deposits)

	require.NoError(t, repo.UpdateStatus(ctx, "euphoria-2", "7", types.ProposalStatusNotEnoughDeposit))
	list, err := repo.FindByChain(ctx, "euphoria-2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.ProposalStatusNotEnoughDeposit, list[0].Status)

	assert.ErrorIs(t, repo.SetDeposits(ctx, "euphoria-2", "8", deposits), ErrNotFound)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, "euphoria-2", "8", types.ProposalStatusPassed), ErrNotFound)
}

func TestTransactionRepository_Search(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := testContext(t)

	payloads := []string{
		`{"tx_response":{"height":"10","txhash":"A","events":[{"type":"transfer","attributes":[{"key":"c2VuZGVy","value":"YWJj"}]}]},"custom_info":{"chain_id":"X"}}`,
		`{"tx_response":{"height":"11","txhash":"B","events":[{"type":"delegate","attributes":[{"key":"dmFsaWRhdG9y","value":"YWJj"}]}]},"custom_info":{"chain_id":"X"}}`,
		`{"tx_response":{"height":"12","txhash":"C","events":[{"type":"transfer","attributes":[{"key":"cmVjaXBpZW50","value":"YWJj"}]}]},"custom_info":{"chain_id":"X"}}`,
		`{"tx_response":{"height":"13","txhash":"D","events":[{"type":"transfer","attributes":[{"key":"cmVjaXBpZW50","value":"YWJj"}]}]},"custom_info":{"chain_id":"Y"}}`,
	}
	for _, raw := range payloads {
		tx, err := models.DecodeTransaction([]byte(raw))
		require.NoError(t, err)
		require.NoError(t, repo.Insert(ctx, tx))
		assert.NotZero(t, tx.ID)
	}

	q, err := search.Compile(search.Filter{ChainID: "X", Address: "abc"})
	require.NoError(t, err)
	found, err := repo.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "C", found[0].TxHash)
	assert.Equal(t, "A", found[1].TxHash)

	q, err = search.Compile(search.Filter{ChainID: "X", Address: "abc", Cursor: found[0].ID})
	require.NoError(t, err)
	next, err := repo.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "A", next[0].TxHash)

	q, err = search.Compile(search.Filter{ChainID: "X", TxHash: "B"})
	require.NoError(t, err)
	byHash, err := repo.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, byHash, 1)
	assert.Equal(t, int64(11), byHash[0].BlockHeight)
}
