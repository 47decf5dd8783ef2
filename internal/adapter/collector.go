package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// PageRequest describes a paginated LCD listing
type PageRequest struct {
	ChainID string
	Path    string
	// ItemsKey names the array holding the page's items, e.g. "balances"
	ItemsKey  string
	PageLimit int
	// Query carries extra parameters sent with every page
	Query url.Values
}

// Page is one decoded LCD page
type Page struct {
	Items   []json.RawMessage
	NextKey *string
}

// Collector follows pagination.next_key until the listing is exhausted.
// A failed page aborts the whole collection and nothing is returned.
type Collector struct {
	fetcher Fetcher
}

// NewCollector creates a paginated collector over fetcher
func NewCollector(fetcher Fetcher) *Collector {
	return &Collector{fetcher: fetcher}
}

// Collect returns the items of every page in order
func (c *Collector) Collect(ctx context.Context, req PageRequest) ([]json.RawMessage, error) {
	var items []json.RawMessage
	seen := make(map[string]struct{})
	var cursor *string

	for {
		query := url.Values{}
		for k, v := range req.Query {
			query[k] = append([]string(nil), v...)
		}
		if req.PageLimit > 0 {
			query.Set("pagination.limit", strconv.Itoa(req.PageLimit))
		}
		if cursor != nil {
			query.Set("pagination.key", *cursor)
		}

		body, err := c.fetcher.Get(ctx, req.ChainID, req.Path, query)
		if err != nil {
			return nil, err
		}

		page, err := decodePage(body, req.ItemsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s page of %s: %w", req.Path, req.ChainID, err)
		}
		items = append(items, page.Items...)

		if page.NextKey == nil || *page.NextKey == "" {
			return items, nil
		}
		if _, dup := seen[*page.NextKey]; dup {
			return nil, fmt.Errorf("pagination of %s on %s returned key %q twice", req.Path, req.ChainID, *page.NextKey)
		}
		seen[*page.NextKey] = struct{}{}
		cursor = page.NextKey
	}
}

// CollectAs collects every page and decodes each item into T
func CollectAs[T any](ctx context.Context, c *Collector, req PageRequest) ([]T, error) {
	raw, err := c.Collect(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(raw))
	for i, item := range raw {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s item %d: %w", req.ItemsKey, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodePage(body []byte, itemsKey string) (*Page, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	page := &Page{}
	if raw, ok := doc[itemsKey]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &page.Items); err != nil {
			return nil, fmt.Errorf("%s is not an array: %w", itemsKey, err)
		}
	}

	if raw, ok := doc["pagination"]; ok && string(raw) != "null" {
		var pagination struct {
			NextKey *string `json:"next_key"`
		}
		if err := json.Unmarshal(raw, &pagination); err != nil {
			return nil, fmt.Errorf("invalid pagination: %w", err)
		}
		page.NextKey = pagination.NextKey
	}
	return page, nil
}
