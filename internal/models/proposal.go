package models

import (
	"encoding/json"
	"time"

	"github.com/chain-crawler/internal/types"
)

// Proposal is a governance proposal of a chain, keyed by (ProposalID, ChainID)
type Proposal struct {
	ID         int64                `json:"id"`
	ProposalID string               `json:"proposalId"`
	ChainID    string               `json:"chainId"`
	Status     types.ProposalStatus `json:"status"`
	Deposits   []types.Deposit      `json:"deposits"`
	Body       json.RawMessage      `json:"body"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}
