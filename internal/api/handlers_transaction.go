package api

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/chain-crawler/internal/search"
)

// handleSearchTransactions handles GET /api/v1/transaction
func (s *Server) handleSearchTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseSearchFilter(r.URL.Query())
	if err != nil {
		respondValidation(w, err.Error())
		return
	}

	result, err := s.searchService.Search(r.Context(), *filter)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondSuccess(w, result)
}

// parseSearchFilter validates the search parameters
func (s *Server) parseSearchFilter(q url.Values) (*search.Filter, error) {
	f := &search.Filter{
		ChainID:    q.Get("chainid"),
		TxHash:     q.Get("txHash"),
		Address:    q.Get("address"),
		EventType:  q.Get("searchType"),
		EventKey:   q.Get("searchKey"),
		EventValue: q.Get("searchValue"),
		RawQuery:   q.Get("query"),
		PageLimit:  search.DefaultPageLimit,
	}

	if f.ChainID == "" {
		return nil, fmt.Errorf("chainid is required")
	}
	if _, ok := s.config.Chains.Lookup(f.ChainID); !ok {
		return nil, fmt.Errorf("chainid must be one of %v", s.config.Chains.IDs())
	}

	if v := q.Get("blockHeight"); v != "" {
		height, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("blockHeight must be an integer")
		}
		f.BlockHeight = &height
	}

	var err error
	if f.PageLimit, err = intParam(q, "pageLimit", search.DefaultPageLimit, 1, search.MaxPageLimit); err != nil {
		return nil, err
	}
	if f.PageOffset, err = intParam(q, "pageOffset", 0, 0, search.MaxPageOffset); err != nil {
		return nil, err
	}
	if f.CountTotal, err = boolParam(q, "countTotal"); err != nil {
		return nil, err
	}
	if f.Reverse, err = boolParam(q, "reverse"); err != nil {
		return nil, err
	}

	if f.EventType != "" && !slices.Contains(search.SearchTypes, f.EventType) {
		return nil, fmt.Errorf("searchType must be one of %v", search.SearchTypes)
	}
	if f.EventKey != "" && !slices.Contains(search.SearchKeys, f.EventKey) {
		return nil, fmt.Errorf("searchKey must be one of %v", search.SearchKeys)
	}

	if v := q.Get("nextKey"); v != "" {
		cursor, err := search.ParseCursor(v)
		if err != nil {
			return nil, fmt.Errorf("nextKey is invalid: %w", err)
		}
		f.Cursor = cursor
	}

	if f.RawQuery != "" {
		if _, err := search.ParseRawQuery(f.RawQuery); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func intParam(q url.Values, name string, def, lo, hi int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

func boolParam(q url.Values, name string) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return b, nil
}
