package service

import (
	"context"
	"encoding/json"

	apperrors "github.com/chain-crawler/internal/errors"
	"github.com/chain-crawler/internal/events"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/types"
)

// AccountReader reads stored account resources
type AccountReader interface {
	FindByAddress(ctx context.Context, address, chainID string) ([]*models.AccountResource, error)
}

// AccountInfo is the stored view of one account on one chain
type AccountInfo struct {
	Address              string          `json:"address"`
	ChainID              string          `json:"chainId"`
	ChainName            string          `json:"chainName,omitempty"`
	Balances             json.RawMessage `json:"balances"`
	UnbondingDelegations json.RawMessage `json:"unbonding_delegations"`
}

// AccountInfoService serves stored account resources and requests crawls
type AccountInfoService struct {
	store     AccountReader
	publisher events.Publisher
}

// NewAccountInfoService creates an account info service
func NewAccountInfoService(store AccountReader, publisher events.Publisher) *AccountInfoService {
	return &AccountInfoService{store: store, publisher: publisher}
}

// Get returns what is stored for address on chainID. Resources never
// crawled are returned as empty lists.
func (s *AccountInfoService) Get(ctx context.Context, address, chainID string) (*AccountInfo, error) {
	resources, err := s.store.FindByAddress(ctx, address, chainID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read account resources", err)
	}

	info := &AccountInfo{
		Address:              address,
		ChainID:              chainID,
		Balances:             json.RawMessage("[]"),
		UnbondingDelegations: json.RawMessage("[]"),
	}
	for _, res := range resources {
		info.ChainName = res.ChainName
		switch res.ResourceType {
		case types.ResourceBalances:
			info.Balances = res.Payload
		case types.ResourceUnbonds:
			info.UnbondingDelegations = res.Payload
		}
	}
	return info, nil
}

// RequestCrawl announces that the given addresses should be crawled
func (s *AccountInfoService) RequestCrawl(ctx context.Context, chainID string, addresses []string) error {
	payload := types.CrawlAccountPayload{ChainID: chainID, Addresses: addresses}
	if err := s.publisher.Publish(ctx, types.EventAccountUpsertEach, payload); err != nil {
		return apperrors.NewInternalError("failed to request account crawl", err)
	}
	return nil
}
