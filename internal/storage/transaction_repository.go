package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/search"
)

// TransactionRepository handles ingested transaction persistence
type TransactionRepository struct {
	db *PostgresDB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *PostgresDB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Insert stores tx as a new row and sets its id and creation time.
// There is no identity check: inserting the same payload twice yields two rows.
func (r *TransactionRepository) Insert(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (chain_id, height, txhash, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, tx.ChainID, tx.BlockHeight, tx.TxHash, []byte(tx.Payload)).
		Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s on %s: %w", tx.TxHash, tx.ChainID, err)
	}
	return nil
}

// Search returns the transactions matching a compiled query in its sort order
func (r *TransactionRepository) Search(ctx context.Context, q *search.Query) ([]*models.Transaction, error) {
	sql, args, err := buildSearchSQL(q)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Pool().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search transactions: %w", err)
	}
	defer rows.Close()

	transactions := []*models.Transaction{}
	for rows.Next() {
		var tx models.Transaction
		var payload []byte
		if err := rows.Scan(&tx.ID, &tx.ChainID, &tx.BlockHeight, &tx.TxHash, &payload, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Payload = payload
		transactions = append(transactions, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return transactions, nil
}

// sqlBuilder accumulates positional arguments while rendering predicates
type sqlBuilder struct {
	args []interface{}
}

func (b *sqlBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func buildSearchSQL(q *search.Query) (string, []interface{}, error) {
	b := &sqlBuilder{}

	where, err := b.render(q.Where)
	if err != nil {
		return "", nil, err
	}

	order := "DESC"
	if !q.Descending {
		order = "ASC"
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, chain_id, height, txhash, payload, created_at FROM transactions")
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	sb.WriteString(" ORDER BY id ")
	sb.WriteString(order)
	sb.WriteString(" LIMIT ")
	sb.WriteString(b.arg(q.Limit))
	if q.Offset > 0 {
		sb.WriteString(" OFFSET ")
		sb.WriteString(b.arg(q.Offset))
	}
	return sb.String(), b.args, nil
}

func (b *sqlBuilder) render(p search.Predicate) (string, error) {
	switch node := p.(type) {
	case search.And:
		return b.join(node, " AND ")
	case search.Or:
		return b.join(node, " OR ")
	case search.Cond:
		return b.cond(node)
	default:
		return "", fmt.Errorf("unsupported predicate %T", p)
	}
}

func (b *sqlBuilder) join(children []search.Predicate, sep string) (string, error) {
	parts := make([]string, 0, len(children))
	for _, child := range children {
		s, err := b.render(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	default:
		return "(" + strings.Join(parts, sep) + ")", nil
	}
}

var columns = map[search.Field]string{
	search.FieldID:      "id",
	search.FieldChainID: "chain_id",
	search.FieldHeight:  "height",
	search.FieldTxHash:  "txhash",
}

var operators = map[search.Op]string{
	search.OpEq: "=",
	search.OpLt: "<",
	search.OpGt: ">",
}

func (b *sqlBuilder) cond(c search.Cond) (string, error) {
	op, ok := operators[c.Op]
	if !ok {
		return "", fmt.Errorf("unsupported operator %q", c.Op)
	}

	if c.Field.IsEvent() {
		if c.Op != search.OpEq {
			return "", fmt.Errorf("event field %s only supports equality", c.Field)
		}
		doc, err := eventContainment(c)
		if err != nil {
			return "", err
		}
		return "payload @> " + b.arg(doc) + "::jsonb", nil
	}

	column, ok := columns[c.Field]
	if !ok {
		return "", fmt.Errorf("unsupported field %q", c.Field)
	}
	return column + " " + op + " " + b.arg(c.Value), nil
}

// eventContainment builds the JSONB document matched by an event condition.
// Containment against an array matches when any element contains the document.
func eventContainment(c search.Cond) (string, error) {
	value, ok := c.Value.(string)
	if !ok {
		return "", fmt.Errorf("event field %s requires a string value", c.Field)
	}

	var event map[string]interface{}
	switch c.Field {
	case search.FieldEventType:
		event = map[string]interface{}{"type": value}
	case search.FieldAttributeKey:
		event = map[string]interface{}{"attributes": []map[string]string{{"key": value}}}
	case search.FieldAttributeValue:
		event = map[string]interface{}{"attributes": []map[string]string{{"value": value}}}
	}

	doc, err := json.Marshal(map[string]interface{}{
		"tx_response": map[string]interface{}{
			"events": []interface{}{event},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event condition: %w", err)
	}
	return string(doc), nil
}
