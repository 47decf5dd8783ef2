package service

import (
	"context"

	apperrors "github.com/chain-crawler/internal/errors"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/search"
)

// TransactionSearcher runs compiled search queries
type TransactionSearcher interface {
	Search(ctx context.Context, q *search.Query) ([]*models.Transaction, error)
}

// SearchResult is one page of a transaction search
type SearchResult struct {
	Transactions []*models.Transaction `json:"transactions"`
	// Count is always 0; totals are never computed
	Count   int64  `json:"count"`
	NextKey string `json:"nextKey"`
}

// ResultCache keeps search pages keyed by their filter
type ResultCache interface {
	GenerateQueryKey(query interface{}) (string, error)
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// SearchService answers transaction searches
type SearchService struct {
	store TransactionSearcher
	cache ResultCache
}

// NewSearchService creates a search service over store
func NewSearchService(store TransactionSearcher) *SearchService {
	return &SearchService{store: store}
}

// WithCache caches non-empty transaction hash lookups.
// Stored transactions never change, so those pages cannot go stale.
func (s *SearchService) WithCache(cache ResultCache) *SearchService {
	s.cache = cache
	return s
}

// Search compiles f, runs it and returns the page with the cursor of the next one
func (s *SearchService) Search(ctx context.Context, f search.Filter) (*SearchResult, error) {
	q, err := search.Compile(f)
	if err != nil {
		return nil, apperrors.NewValidationError("query", err.Error())
	}

	key := s.cacheKey(ctx, f, q)
	if key != "" {
		var cached SearchResult
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("search cache read failed")
		} else if found {
			return &cached, nil
		}
	}

	txs, err := s.store.Search(ctx, q)
	if err != nil {
		return nil, apperrors.NewDatabaseError("search transactions", err)
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}

	ids := make([]int64, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	result := &SearchResult{
		Transactions: txs,
		NextKey:      q.NextKey(ids),
	}

	// An empty hash lookup may be filled by a later insert
	if key != "" && len(txs) > 0 {
		if err := s.cache.Set(ctx, key, result); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("search cache write failed")
		}
	}
	return result, nil
}

func (s *SearchService) cacheKey(ctx context.Context, f search.Filter, q *search.Query) string {
	if s.cache == nil || !q.ExactHash {
		return ""
	}
	key, err := s.cache.GenerateQueryKey(f)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("search cache key failed")
		return ""
	}
	return key
}
