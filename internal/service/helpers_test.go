package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chain-crawler/internal/adapter"
	"github.com/chain-crawler/internal/circuitbreaker"
	"github.com/chain-crawler/internal/config"
	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/storage"
	"github.com/chain-crawler/internal/types"
)

const testChain = "euphoria-2"

func testLogger() *logging.Logger {
	logger := logging.NewLogger(logging.LevelDebug, logging.FormatJSON)
	logger.SetOutput(io.Discard)
	return logger
}

func testChains(lcd string) config.ChainsConfig {
	return config.ChainsConfig{
		Enabled: []string{testChain},
		Chains: map[string]config.ChainConfig{
			testChain: {ChainID: testChain, ChainName: "Aura Euphoria", LCD: lcd},
		},
	}
}

// newTestCollector serves handler as the LCD of testChain
func newTestCollector(t *testing.T, handler http.Handler) (*adapter.Collector, config.ChainsConfig) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	chains := testChains(srv.URL)
	client := adapter.NewLCDClient(&adapter.LCDClientConfig{
		Chains:   chains,
		Timeout:  5 * time.Second,
		Breakers: circuitbreaker.NewManager(circuitbreaker.DefaultConfig("lcd")),
		Logger:   testLogger(),
	})
	return adapter.NewCollector(client), chains
}

// createdJob is one CreateJob call seen by fakeScheduler
type createdJob struct {
	Queue   string
	Payload interface{}
	Opts    job.Options
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []createdJob
	err  error
}

func (f *fakeScheduler) CreateJob(ctx context.Context, queue string, payload interface{}, opts job.Options) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.jobs = append(f.jobs, createdJob{Queue: queue, Payload: payload, Opts: opts})
	return &job.Job{ID: fmt.Sprint(len(f.jobs)), Queue: queue, Options: opts}, nil
}

func (f *fakeScheduler) created() []createdJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createdJob(nil), f.jobs...)
}

type publishedEvent struct {
	Name    string
	Payload interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(ctx context.Context, name string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Name: name, Payload: payload})
	return nil
}

// memoryAccountStore mimics the upsert of the account_resources table
type memoryAccountStore struct {
	mu      sync.Mutex
	records map[models.AccountIdentity]*models.AccountResource
	fail    map[string]bool // addresses whose writes fail
	nextID  int64
}

func newMemoryAccountStore() *memoryAccountStore {
	return &memoryAccountStore{
		records: make(map[models.AccountIdentity]*models.AccountResource),
		fail:    make(map[string]bool),
	}
}

func (m *memoryAccountStore) Upsert(ctx context.Context, res *models.AccountResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[res.Address] {
		return fmt.Errorf("write of %s refused", res.Address)
	}

	if existing, ok := m.records[res.Identity()]; ok {
		if string(existing.Payload) != string(res.Payload) || existing.ChainName != res.ChainName {
			existing.Payload = res.Payload
			existing.ChainName = res.ChainName
			existing.LastUpdated = res.LastUpdated
		}
		*res = *existing
		return nil
	}

	m.nextID++
	stored := *res
	stored.ID = m.nextID
	m.records[res.Identity()] = &stored
	res.ID = stored.ID
	return nil
}

func (m *memoryAccountStore) FindByAddress(ctx context.Context, address, chainID string) ([]*models.AccountResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AccountResource
	for id, res := range m.records {
		if id.Address == address && id.ChainID == chainID {
			copied := *res
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryAccountStore) get(address string, kind types.ResourceType) *models.AccountResource {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.records[models.AccountIdentity{Address: address, ChainID: testChain, ResourceType: kind}]
	if !ok {
		return nil
	}
	copied := *res
	return &copied
}

// memoryProposalStore mimics the proposals table, keeping deposits on upsert
type memoryProposalStore struct {
	mu        sync.Mutex
	proposals map[string]*models.Proposal
	failIDs   map[string]bool
}

func newMemoryProposalStore(stored ...*models.Proposal) *memoryProposalStore {
	m := &memoryProposalStore{proposals: make(map[string]*models.Proposal), failIDs: make(map[string]bool)}
	for _, p := range stored {
		m.proposals[p.ChainID+"/"+p.ProposalID] = p
	}
	return m
}

func (m *memoryProposalStore) FindByChain(ctx context.Context, chainID string) ([]*models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Proposal
	for _, p := range m.proposals {
		if p.ChainID == chainID {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposalID < out[j].ProposalID })
	return out, nil
}

func (m *memoryProposalStore) FindByIdentity(ctx context.Context, chainID, proposalID string) (*models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[chainID+"/"+proposalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memoryProposalStore) Upsert(ctx context.Context, p *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[p.ProposalID] {
		return fmt.Errorf("write of proposal %s refused", p.ProposalID)
	}
	key := p.ChainID + "/" + p.ProposalID
	copied := *p
	if existing, ok := m.proposals[key]; ok {
		copied.Deposits = existing.Deposits
	}
	m.proposals[key] = &copied
	return nil
}

func (m *memoryProposalStore) UpdateStatus(ctx context.Context, chainID, proposalID string, status types.ProposalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[chainID+"/"+proposalID]
	if !ok {
		return storage.ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *memoryProposalStore) SetDeposits(ctx context.Context, chainID, proposalID string, deposits []types.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[chainID+"/"+proposalID]
	if !ok {
		return storage.ErrNotFound
	}
	p.Deposits = deposits
	return nil
}

func (m *memoryProposalStore) get(proposalID string) *models.Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[testChain+"/"+proposalID]
	if !ok {
		return nil
	}
	copied := *p
	return &copied
}
