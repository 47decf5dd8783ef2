package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/chain-crawler/internal/errors"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/search"
	"github.com/chain-crawler/internal/storage"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTxSearcher evaluates the chain, hash and id clauses of a query over
// an in-memory table. Event clauses are ignored.
type memoryTxSearcher struct {
	txs     []*models.Transaction
	queries []*search.Query
	err     error
}

func (m *memoryTxSearcher) Search(ctx context.Context, q *search.Query) ([]*models.Transaction, error) {
	m.queries = append(m.queries, q)
	if m.err != nil {
		return nil, m.err
	}

	var out []*models.Transaction
	for _, tx := range m.txs {
		if matches(q.Where, tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})

	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(where search.And, tx *models.Transaction) bool {
	for _, p := range where {
		c, ok := p.(search.Cond)
		if !ok {
			continue
		}
		switch c.Field {
		case search.FieldChainID:
			if tx.ChainID != c.Value {
				return false
			}
		case search.FieldTxHash:
			if tx.TxHash != c.Value {
				return false
			}
		case search.FieldID:
			id := c.Value.(int64)
			if (c.Op == search.OpLt && tx.ID >= id) || (c.Op == search.OpGt && tx.ID <= id) {
				return false
			}
		}
	}
	return true
}

func table(chainID string, ids ...int64) []*models.Transaction {
	txs := make([]*models.Transaction, len(ids))
	for i, id := range ids {
		txs[i] = &models.Transaction{ID: id, ChainID: chainID, TxHash: "H" + string(rune('A'+i%26))}
	}
	return txs
}

func TestSearchService_PagesWithCursor(t *testing.T) {
	store := &memoryTxSearcher{txs: append(table("X", 1, 2, 3, 4, 5), table("Y", 6)...)}
	svc := NewSearchService(store)

	page, err := svc.Search(context.Background(), search.Filter{ChainID: "X", PageLimit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.Count)
	assert.Equal(t, "4", page.NextKey)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, int64(5), page.Transactions[0].ID)

	page, err = svc.Search(context.Background(), search.Filter{ChainID: "X", PageLimit: 2, Cursor: 4, PageOffset: 50})
	require.NoError(t, err)
	assert.Equal(t, "2", page.NextKey)
	assert.Equal(t, int64(3), page.Transactions[0].ID)

	page, err = svc.Search(context.Background(), search.Filter{ChainID: "X", PageLimit: 2, Cursor: 2})
	require.NoError(t, err)
	assert.Equal(t, "1", page.NextKey)

	page, err = svc.Search(context.Background(), search.Filter{ChainID: "X", PageLimit: 2, Cursor: 1})
	require.NoError(t, err)
	assert.Empty(t, page.Transactions)
	assert.NotNil(t, page.Transactions)
	assert.Equal(t, "", page.NextKey)
}

func TestSearchService_HashLookupHasNoCursor(t *testing.T) {
	store := &memoryTxSearcher{txs: table("X", 10, 11)}
	svc := NewSearchService(store)

	page, err := svc.Search(context.Background(), search.Filter{ChainID: "X", TxHash: "HB", Cursor: 5, CountTotal: true})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, int64(11), page.Transactions[0].ID)
	assert.Equal(t, "", page.NextKey)
	assert.False(t, store.queries[0].CountTotal)
}

func TestSearchService_CachesHashLookups(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &memoryTxSearcher{txs: table("X", 10, 11)}
	svc := NewSearchService(store).WithCache(storage.NewCacheService(client, "test", time.Minute))
	ctx := context.Background()

	first, err := svc.Search(ctx, search.Filter{ChainID: "X", TxHash: "HB", PageLimit: 10})
	require.NoError(t, err)
	second, err := svc.Search(ctx, search.Filter{ChainID: "X", TxHash: "HB", PageLimit: 10})
	require.NoError(t, err)

	assert.Len(t, store.queries, 1)
	require.Len(t, second.Transactions, 1)
	assert.Equal(t, first.Transactions[0].ID, second.Transactions[0].ID)
	assert.Equal(t, "", second.NextKey)

	// misses are not cached
	_, err = svc.Search(ctx, search.Filter{ChainID: "X", TxHash: "HZ", PageLimit: 10})
	require.NoError(t, err)
	_, err = svc.Search(ctx, search.Filter{ChainID: "X", TxHash: "HZ", PageLimit: 10})
	require.NoError(t, err)
	assert.Len(t, store.queries, 3)

	// listings bypass the cache
	_, err = svc.Search(ctx, search.Filter{ChainID: "X", PageLimit: 10})
	require.NoError(t, err)
	_, err = svc.Search(ctx, search.Filter{ChainID: "X", PageLimit: 10})
	require.NoError(t, err)
	assert.Len(t, store.queries, 5)
}

func TestSearchService_CacheOutageFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	store := &memoryTxSearcher{txs: table("X", 10)}
	svc := NewSearchService(store).WithCache(storage.NewCacheService(client, "test", time.Minute))

	page, err := svc.Search(context.Background(), search.Filter{ChainID: "X", TxHash: "HA", PageLimit: 10})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
}

func TestSearchService_Errors(t *testing.T) {
	svc := NewSearchService(&memoryTxSearcher{})
	_, err := svc.Search(context.Background(), search.Filter{ChainID: "X", RawQuery: "broken"})
	assert.True(t, apperrors.IsValidation(err))

	svc = NewSearchService(&memoryTxSearcher{err: errors.New("pool closed")})
	_, err = svc.Search(context.Background(), search.Filter{ChainID: "X"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryDatabase, apperrors.Categorize(err).Category)
}

func TestSearchService_CursorProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("following nextKey yields strictly smaller ids and misses none", prop.ForAll(
		func(ids []int64, limit int) bool {
			unique := make(map[int64]bool)
			var rows []int64
			for _, id := range ids {
				if !unique[id] {
					unique[id] = true
					rows = append(rows, id)
				}
			}
			svc := NewSearchService(&memoryTxSearcher{txs: table("X", rows...)})

			var seen []int64
			var previous []*models.Transaction
			var cursor int64
			for pages := 0; pages <= len(rows)+1; pages++ {
				page, err := svc.Search(context.Background(), search.Filter{ChainID: "X", PageLimit: limit, Cursor: cursor})
				if err != nil {
					return false
				}
				for _, next := range page.Transactions {
					for _, prev := range previous {
						if next.ID >= prev.ID {
							return false
						}
					}
					seen = append(seen, next.ID)
				}
				if page.NextKey == "" {
					break
				}
				cursor, err = search.ParseCursor(page.NextKey)
				if err != nil {
					return false
				}
				previous = page.Transactions
			}
			return len(seen) == len(rows)
		},
		gen.SliceOf(gen.Int64Range(1, 1000)),
		gen.IntRange(1, search.MaxPageLimit),
	))

	properties.Property("reverse pagination yields strictly larger ids", prop.ForAll(
		func(n int, limit int) bool {
			rows := make([]int64, n)
			for i := range rows {
				rows[i] = int64(i + 1)
			}
			svc := NewSearchService(&memoryTxSearcher{txs: table("X", rows...)})

			var last int64
			var cursor int64
			count := 0
			for pages := 0; pages <= n+1; pages++ {
				page, err := svc.Search(context.Background(), search.Filter{ChainID: "X", PageLimit: limit, Cursor: cursor, Reverse: true})
				if err != nil {
					return false
				}
				for _, tx := range page.Transactions {
					if tx.ID <= last {
						return false
					}
					last = tx.ID
					count++
				}
				if page.NextKey == "" {
					break
				}
				cursor, _ = search.ParseCursor(page.NextKey)
			}
			return count == n
		},
		gen.IntRange(0, 60),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
