package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chain-crawler/internal/config"
	apperrors "github.com/chain-crawler/internal/errors"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/search"
	"github.com/chain-crawler/internal/service"
	"github.com/chain-crawler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock services for testing
type mockSearchService struct {
	mu      sync.Mutex
	filters []search.Filter
	result  *service.SearchResult
	err     error
}

func (m *mockSearchService) Search(ctx context.Context, f search.Filter) (*service.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &service.SearchResult{Transactions: []*models.Transaction{}}, nil
}

type mockAccountService struct {
	info      *service.AccountInfo
	err       error
	requested []string
}

func (m *mockAccountService) Get(ctx context.Context, address, chainID string) (*service.AccountInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.info != nil {
		return m.info, nil
	}
	return &service.AccountInfo{Address: address, ChainID: chainID, Balances: json.RawMessage(`[]`), UnbondingDelegations: json.RawMessage(`[]`)}, nil
}

func (m *mockAccountService) RequestCrawl(ctx context.Context, chainID string, addresses []string) error {
	if m.err != nil {
		return m.err
	}
	m.requested = append(m.requested, addresses...)
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func createTestServer(searchSvc SearchServiceInterface, accountSvc AccountInfoServiceInterface, health ...Pinger) *Server {
	logger := logging.NewLogger(logging.LevelError, logging.FormatJSON)
	logger.SetOutput(io.Discard)

	if searchSvc == nil {
		searchSvc = &mockSearchService{}
	}
	if accountSvc == nil {
		accountSvc = &mockAccountService{}
	}
	return NewServer(&ServerConfig{
		Host: "localhost",
		Port: "0",
		Chains: config.ChainsConfig{
			Enabled: []string{"euphoria-2", "cosmoshub-4"},
			Chains: map[string]config.ChainConfig{
				"euphoria-2":  {ChainID: "euphoria-2", ChainName: "Aura Euphoria"},
				"cosmoshub-4": {ChainID: "cosmoshub-4", ChainName: "Cosmos Hub"},
			},
		},
		Logger: logger,
	}, searchSvc, accountSvc, health...)
}

func serve(t *testing.T, s *Server, method, target string, body io.Reader) (*httptest.ResponseRecorder, types.ResponseDto) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var envelope types.ResponseDto
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	}
	return w, envelope
}

func TestHealthCheck(t *testing.T) {
	server := createTestServer(nil, nil, pingFunc(func(ctx context.Context) error { return nil }))

	w, _ := serve(t, server, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	server = createTestServer(nil, nil, pingFunc(func(ctx context.Context) error { return errors.New("down") }))
	w, _ = serve(t, server, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSearchTransactions_Success(t *testing.T) {
	searchSvc := &mockSearchService{result: &service.SearchResult{
		Transactions: []*models.Transaction{{ID: 9, ChainID: "euphoria-2", TxHash: "AB"}},
		NextKey:      "9",
	}}
	server := createTestServer(searchSvc, nil)

	w, envelope := serve(t, server, "GET",
		"/api/v1/transaction?chainid=euphoria-2&address=aura1abc&searchType=transfer&searchKey=sender&searchValue=aura1x&pageLimit=20&pageOffset=3&blockHeight=77&nextKey=120&countTotal=true&reverse=false",
		nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.CodeSuccessful, envelope.Code)
	assert.Equal(t, types.MessageSuccessful, envelope.Message)

	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, "9", data["nextKey"])
	assert.Equal(t, float64(0), data["count"])
	assert.Len(t, data["transactions"], 1)

	require.Len(t, searchSvc.filters, 1)
	f := searchSvc.filters[0]
	assert.Equal(t, "euphoria-2", f.ChainID)
	assert.Equal(t, "aura1abc", f.Address)
	assert.Equal(t, "transfer", f.EventType)
	assert.Equal(t, "sender", f.EventKey)
	assert.Equal(t, "aura1x", f.EventValue)
	assert.Equal(t, 20, f.PageLimit)
	assert.Equal(t, 3, f.PageOffset)
	assert.Equal(t, int64(77), *f.BlockHeight)
	assert.Equal(t, int64(120), f.Cursor)
	assert.True(t, f.CountTotal)
}

func TestSearchTransactions_Defaults(t *testing.T) {
	searchSvc := &mockSearchService{}
	server := createTestServer(searchSvc, nil)

	w, _ := serve(t, server, "GET", "/api/v1/transaction?chainid=cosmoshub-4", nil)
	require.Equal(t, http.StatusOK, w.Code)

	f := searchSvc.filters[0]
	assert.Equal(t, search.DefaultPageLimit, f.PageLimit)
	assert.Equal(t, 0, f.PageOffset)
	assert.Equal(t, int64(0), f.Cursor)
	assert.Nil(t, f.BlockHeight)
	assert.False(t, f.Reverse)
}

func TestSearchTransactions_Validation(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "missing chain", query: ""},
		{name: "unknown chain", query: "chainid=osmosis-1"},
		{name: "bad height", query: "chainid=euphoria-2&blockHeight=abc"},
		{name: "limit too large", query: "chainid=euphoria-2&pageLimit=101"},
		{name: "limit zero", query: "chainid=euphoria-2&pageLimit=0"},
		{name: "offset too large", query: "chainid=euphoria-2&pageOffset=101"},
		{name: "negative offset", query: "chainid=euphoria-2&pageOffset=-1"},
		{name: "unknown search type", query: "chainid=euphoria-2&searchType=mint"},
		{name: "unknown search key", query: "chainid=euphoria-2&searchKey=owner"},
		{name: "bad countTotal", query: "chainid=euphoria-2&countTotal=maybe"},
		{name: "bad reverse", query: "chainid=euphoria-2&reverse=2x"},
		{name: "cursor not an id", query: "chainid=euphoria-2&nextKey=6389c2f1e1b2a3"},
		{name: "bad query", query: "chainid=euphoria-2&query=transfer.sender"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searchSvc := &mockSearchService{}
			server := createTestServer(searchSvc, nil)

			w, envelope := serve(t, server, "GET", "/api/v1/transaction?"+tt.query, nil)

			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			assert.Equal(t, types.CodeWrong, envelope.Code)
			assert.Equal(t, types.MessageValidationError, envelope.Message)
			data := envelope.Data.(map[string]interface{})
			assert.NotEmpty(t, data["message"])
			assert.Empty(t, searchSvc.filters)
		})
	}
}

func TestSearchTransactions_StoreFailure(t *testing.T) {
	server := createTestServer(&mockSearchService{err: apperrors.NewDatabaseError("search transactions", errors.New("pool closed"))}, nil)

	w, envelope := serve(t, server, "GET", "/api/v1/transaction?chainid=euphoria-2", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, types.CodeWrong, envelope.Code)
	assert.Equal(t, types.MessageWrong, envelope.Message)
	assert.NotContains(t, w.Body.String(), "pool closed")
}

func TestSearchTransactions_ServiceValidationError(t *testing.T) {
	server := createTestServer(&mockSearchService{err: apperrors.NewValidationError("query", "is malformed")}, nil)

	w, envelope := serve(t, server, "GET", "/api/v1/transaction?chainid=euphoria-2", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, map[string]interface{}{"message": "The query is malformed"}, envelope.Data)
}

func TestGetAccountInfo(t *testing.T) {
	server := createTestServer(nil, &mockAccountService{})

	w, envelope := serve(t, server, "GET", "/api/v1/account-info?address=aura1a&chainId=euphoria-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, "aura1a", data["address"])
	assert.Equal(t, []interface{}{}, data["balances"])

	w, _ = serve(t, server, "GET", "/api/v1/account-info?chainId=euphoria-2", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = serve(t, server, "GET", "/api/v1/account-info?address=aura1a&chainId=nope", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCrawlAccounts(t *testing.T) {
	accountSvc := &mockAccountService{}
	server := createTestServer(nil, accountSvc)

	const (
		first  = "aura15feryxhrdz9m6y09mr8wrerwzgj6f8ntxvhxyr"
		second = "aura1dlm5aahn0t09nl4ujy8624fl6zy54klay937yr"
	)
	body := `{"chainId":"euphoria-2","listAddresses":["` + first + `","` + second + `"]}`
	w, envelope := serve(t, server, "POST", "/api/v1/account-info/crawl", strings.NewReader(body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.CodeSuccessful, envelope.Code)
	assert.Equal(t, []string{first, second}, accountSvc.requested)

	for _, bad := range []string{
		`{"chainId":"euphoria-2","listAddresses":[]}`,
		`{"chainId":"nope","listAddresses":["` + first + `"]}`,
		`{"chainId":"euphoria-2","listAddresses":[""]}`,
		`{"chainId":"euphoria-2","listAddresses":["aura1a/../../../gov/v1beta1/proposals?x="]}`,
		`{"chainId":"euphoria-2","listAddresses":["` + first + `","aura1short"]}`,
		`{"chainId":"euphoria-2","unknown":1}`,
		`not json`,
	} {
		w, _ := serve(t, server, "POST", "/api/v1/account-info/crawl", bytes.NewBufferString(bad))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, bad)
	}
	assert.Len(t, accountSvc.requested, 2)
}

func TestRateLimit(t *testing.T) {
	logger := logging.NewLogger(logging.LevelError, logging.FormatJSON)
	logger.SetOutput(io.Discard)
	server := NewServer(&ServerConfig{RequestRPS: 1, Logger: logger}, &mockSearchService{}, &mockAccountService{})

	limited := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), types.MessageWrong)
}

func TestConcurrentRequests(t *testing.T) {
	server := createTestServer(nil, nil)

	var wg sync.WaitGroup
	codes := make([]int, 100)
	for i := range codes {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/api/v1/transaction?chainid=euphoria-2", nil)
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, req)
			codes[i] = w.Code
		}()
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
}
