package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chain-crawler/internal/circuitbreaker"
	"github.com/chain-crawler/internal/config"
	apperrors "github.com/chain-crawler/internal/errors"
	"github.com/chain-crawler/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 32 << 20

var lcdRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_lcd_requests_total",
	Help: "LCD requests by chain and outcome",
}, []string{"chain", "outcome"})

var lcdLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "crawler_lcd_request_duration_seconds",
	Help:    "LCD request latency",
	Buckets: prometheus.DefBuckets,
}, []string{"chain"})

// Fetcher performs a GET against a chain's LCD and returns the raw body
type Fetcher interface {
	Get(ctx context.Context, chainID, path string, query url.Values) ([]byte, error)
}

// LCDClientConfig configures an LCDClient
type LCDClientConfig struct {
	Chains     config.ChainsConfig
	Timeout    time.Duration
	Breakers   *circuitbreaker.Manager
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// LCDClient calls the LCD REST endpoint of configured chains.
// Requests are rate limited per chain and guarded by a per-chain circuit breaker.
type LCDClient struct {
	chains   config.ChainsConfig
	client   *http.Client
	breakers *circuitbreaker.Manager
	logger   *logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLCDClient creates a new LCD client
func NewLCDClient(cfg *LCDClientConfig) *LCDClient {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &LCDClient{
		chains:   cfg.Chains,
		client:   client,
		breakers: breakers,
		logger:   logger.WithComponent("lcd-client"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Get fetches path from the LCD of chainID. Any transport failure or non-2xx
// status is returned as an upstream error.
func (c *LCDClient) Get(ctx context.Context, chainID, path string, query url.Values) ([]byte, error) {
	chain, ok := c.chains.Lookup(chainID)
	if !ok || chain.LCD == "" {
		return nil, apperrors.NewUpstreamError(chainID, path, fmt.Errorf("no LCD endpoint configured for chain %s", chainID))
	}

	if err := c.limiter(chain).Wait(ctx); err != nil {
		return nil, apperrors.NewUpstreamError(chainID, path, err)
	}

	endpoint := strings.TrimRight(chain.LCD, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	start := time.Now()
	err := c.breakers.Get(chainID).Execute(ctx, func() error {
		var err error
		body, err = c.do(ctx, endpoint)
		return err
	})
	lcdLatency.WithLabelValues(chainID).Observe(time.Since(start).Seconds())

	if err != nil {
		lcdRequests.WithLabelValues(chainID, "error").Inc()
		c.logger.WithFields(map[string]interface{}{
			"chainId": chainID,
			"path":    path,
		}).WithError(err).Warn("LCD request failed")
		return nil, apperrors.NewUpstreamError(chainID, path, err)
	}

	lcdRequests.WithLabelValues(chainID, "ok").Inc()
	return body, nil
}

func (c *LCDClient) do(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("unexpected status %s: %s", strconv.Itoa(resp.StatusCode), snippet)
	}
	return body, nil
}

func (c *LCDClient) limiter(chain config.ChainConfig) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.limiters[chain.ChainID]; ok {
		return l
	}

	limit := rate.Inf
	burst := chain.RequestBurst
	if chain.RequestRate > 0 {
		limit = rate.Limit(chain.RequestRate)
	}
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(limit, burst)
	c.limiters[chain.ChainID] = l
	return l
}
