package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chain-crawler/internal/adapter"
	"github.com/chain-crawler/internal/config"
	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/types"
)

// AccountStore persists crawled account resources
type AccountStore interface {
	Upsert(ctx context.Context, res *models.AccountResource) error
}

// AccountCrawlerConfig holds the account crawler settings
type AccountCrawlerConfig struct {
	Chains    config.ChainsConfig
	PageLimit int
	Logger    *logging.Logger
}

// AccountCrawler processes the crawl.account-balances and crawl.account-unbonds queues.
// Addresses of a job are collected one after the other; the collected
// resources are then stored concurrently.
type AccountCrawler struct {
	collector *adapter.Collector
	store     AccountStore
	maturity  *MaturityScheduler
	chains    config.ChainsConfig
	pageLimit int
	logger    *logging.Logger
	now       func() time.Time
}

// NewAccountCrawler creates an account crawler
func NewAccountCrawler(collector *adapter.Collector, store AccountStore, maturity *MaturityScheduler, cfg *AccountCrawlerConfig) *AccountCrawler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &AccountCrawler{
		collector: collector,
		store:     store,
		maturity:  maturity,
		chains:    cfg.Chains,
		pageLimit: cfg.PageLimit,
		logger:    logger.WithComponent("account-crawler"),
		now:       time.Now,
	}
}

// HandleBalances crawls the bank balances of every address in the job
func (c *AccountCrawler) HandleBalances(ctx context.Context, j *job.Job) error {
	var payload types.CrawlAccountPayload
	if err := j.Decode(&payload); err != nil {
		return err
	}
	chain, err := c.chain(payload.ChainID)
	if err != nil {
		return err
	}

	resources := make([]*models.AccountResource, 0, len(payload.Addresses))
	for _, address := range payload.Addresses {
		coins, err := adapter.CollectAs[types.Coin](ctx, c.collector, adapter.PageRequest{
			ChainID:   chain.ChainID,
			Path:      fmt.Sprintf("/cosmos/bank/v1beta1/balances/%s", url.PathEscape(address)),
			ItemsKey:  "balances",
			PageLimit: c.pageLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to crawl balances of %s: %w", address, err)
		}
		if coins == nil {
			coins = []types.Coin{}
		}

		res, err := c.resource(chain, address, types.ResourceBalances, coins)
		if err != nil {
			return err
		}
		resources = append(resources, res)
	}

	c.persist(ctx, resources)
	return nil
}

// HandleUnbonds crawls the unbonding delegations of every address in the job
// and schedules a re-crawl at the completion time of each unbonding entry
func (c *AccountCrawler) HandleUnbonds(ctx context.Context, j *job.Job) error {
	var payload types.CrawlAccountPayload
	if err := j.Decode(&payload); err != nil {
		return err
	}
	chain, err := c.chain(payload.ChainID)
	if err != nil {
		return err
	}

	resources := make([]*models.AccountResource, 0, len(payload.Addresses))
	unbondsByAddress := make(map[string][]types.UnbondingResponse, len(payload.Addresses))
	for _, address := range payload.Addresses {
		unbonds, err := adapter.CollectAs[types.UnbondingResponse](ctx, c.collector, adapter.PageRequest{
			ChainID:   chain.ChainID,
			Path:      fmt.Sprintf("/cosmos/staking/v1beta1/delegators/%s/unbonding_delegations", url.PathEscape(address)),
			ItemsKey:  "unbonding_responses",
			PageLimit: c.pageLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to crawl unbonding delegations of %s: %w", address, err)
		}
		if unbonds == nil {
			unbonds = []types.UnbondingResponse{}
		}

		res, err := c.resource(chain, address, types.ResourceUnbonds, unbonds)
		if err != nil {
			return err
		}
		resources = append(resources, res)
		unbondsByAddress[address] = unbonds
	}

	for _, res := range c.persist(ctx, resources) {
		if _, err := c.maturity.Schedule(ctx, chain.ChainID, res.Address, unbondsByAddress[res.Address]); err != nil {
			return err
		}
	}
	return nil
}

func (c *AccountCrawler) chain(chainID string) (config.ChainConfig, error) {
	chain, ok := c.chains.Lookup(chainID)
	if !ok {
		return config.ChainConfig{}, fmt.Errorf("unknown chain %q", chainID)
	}
	return chain, nil
}

func (c *AccountCrawler) resource(chain config.ChainConfig, address string, kind types.ResourceType, value interface{}) (*models.AccountResource, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s of %s: %w", kind, address, err)
	}
	return &models.AccountResource{
		Address:      address,
		ChainID:      chain.ChainID,
		ChainName:    chain.ChainName,
		ResourceType: kind,
		Payload:      raw,
		LastUpdated:  c.now(),
	}, nil
}

// persist stores resources concurrently and returns the ones that were written.
// A failed item is logged and does not affect its siblings.
func (c *AccountCrawler) persist(ctx context.Context, resources []*models.AccountResource) []*models.AccountResource {
	stored := make([]bool, len(resources))

	var wg sync.WaitGroup
	for i, res := range resources {
		i, res := i, res
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.store.Upsert(ctx, res); err != nil {
				reconciledItems.WithLabelValues(string(res.ResourceType), "failed").Inc()
				c.logger.WithError(err).WithFields(map[string]interface{}{
					"chain":    res.ChainID,
					"address":  res.Address,
					"resource": res.ResourceType,
				}).Error("failed to store account resource")
				return
			}
			reconciledItems.WithLabelValues(string(res.ResourceType), "stored").Inc()
			stored[i] = true
		}()
	}
	wg.Wait()

	written := make([]*models.AccountResource, 0, len(resources))
	for i, res := range resources {
		if stored[i] {
			written = append(written, res)
		}
	}
	return written
}
