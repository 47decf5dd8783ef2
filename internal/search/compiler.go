package search

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
	MaxPageOffset    = 100
)

// Base64 of the well-known attribute keys an address can appear under
var (
	AttributeRecipient = encode("recipient")
	AttributeSender    = encode("sender")
)

// SearchTypes are the accepted event types of the searchType parameter
var SearchTypes = []string{"transfer", "proposal_deposit", "proposal_vote", "delegate", "redelegate", "instantiate", "execute", "wasm"}

// SearchKeys are the accepted attribute keys of the searchKey parameter
var SearchKeys = []string{"sender", "recipient", "proposal_id", "validator", "destination_validator", "_contract_address"}

// Filter is a transaction search request
type Filter struct {
	ChainID     string
	BlockHeight *int64
	TxHash      string
	Address     string
	EventType   string
	EventKey    string
	EventValue  string
	RawQuery    string
	// Cursor is the id of the last row of the previous page, 0 when absent
	Cursor     int64
	PageOffset int
	PageLimit  int
	CountTotal bool
	Reverse    bool
}

// Query is a compiled filter ready to be rendered by a store
type Query struct {
	Where      And
	Limit      int
	Offset     int
	Descending bool
	// CountTotal is never honoured; counting is skipped for every query
	CountTotal bool
	// ExactHash is set for transaction hash lookups, which return no next cursor
	ExactHash bool
}

// Triple is one type.key=value term of a raw query expression
type Triple struct {
	Type  string
	Key   string
	Value string
}

// Compile turns f into a Query. Later rules override earlier ones: a raw query
// replaces the address and event clauses, and a transaction hash disables paging.
func Compile(f Filter) (*Query, error) {
	if f.ChainID == "" {
		return nil, fmt.Errorf("chain id is required")
	}

	where := And{Eq(FieldChainID, f.ChainID)}
	if f.BlockHeight != nil {
		where = append(where, Eq(FieldHeight, *f.BlockHeight))
	}
	if f.TxHash != "" {
		where = append(where, Eq(FieldTxHash, f.TxHash))
	}

	var events And
	if f.Address != "" {
		events = append(events,
			Eq(FieldAttributeValue, encode(f.Address)),
			Or{Eq(FieldAttributeKey, AttributeRecipient), Eq(FieldAttributeKey, AttributeSender)},
		)
	}
	if f.EventType != "" {
		events = append(events, Eq(FieldEventType, f.EventType))
	}
	if f.EventKey != "" && f.EventValue != "" {
		events = append(events,
			Eq(FieldAttributeKey, encode(f.EventKey)),
			Eq(FieldAttributeValue, encode(f.EventValue)),
		)
	}

	if f.RawQuery != "" {
		triples, err := ParseRawQuery(f.RawQuery)
		if err != nil {
			return nil, err
		}
		events = events[:0]
		for _, t := range triples {
			events = append(events, And{
				Eq(FieldEventType, t.Type),
				Eq(FieldAttributeKey, encode(t.Key)),
				Eq(FieldAttributeValue, encode(t.Value)),
			})
		}
	}
	where = append(where, events...)

	limit := f.PageLimit
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	q := &Query{
		Limit:      limit,
		Offset:     f.PageOffset,
		Descending: !f.Reverse,
	}

	switch {
	case f.TxHash != "":
		q.ExactHash = true
		q.Offset = 0
	case f.Cursor > 0:
		op := OpLt
		if f.Reverse {
			op = OpGt
		}
		where = append(where, Cond{Field: FieldID, Op: op, Value: f.Cursor})
		q.Offset = 0
	}

	q.Where = where
	return q, nil
}

// NextKey returns the cursor of the page following ids, which are in result order
func (q *Query) NextKey(ids []int64) string {
	if q.ExactHash || len(ids) == 0 {
		return ""
	}
	return strconv.FormatInt(ids[len(ids)-1], 10)
}

// ParseRawQuery parses "type.key=value,type.key=value"
func ParseRawQuery(raw string) ([]Triple, error) {
	var triples []Triple
	for _, term := range strings.Split(raw, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}

		path, value, ok := strings.Cut(term, "=")
		if !ok {
			return nil, fmt.Errorf("query term %q is not of the form type.key=value", term)
		}
		eventType, key, ok := strings.Cut(path, ".")
		if !ok || eventType == "" || key == "" || value == "" {
			return nil, fmt.Errorf("query term %q is not of the form type.key=value", term)
		}
		triples = append(triples, Triple{Type: eventType, Key: key, Value: value})
	}

	if len(triples) == 0 {
		return nil, fmt.Errorf("query contains no terms")
	}
	return triples, nil
}

// ParseCursor parses a nextKey. Valid cursors are positive transaction ids.
func ParseCursor(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a valid transaction id", s)
	}
	return id, nil
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
