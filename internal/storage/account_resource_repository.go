package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/types"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when no record matches an identity
var ErrNotFound = errors.New("record not found")

// AccountResourceRepository handles account resource persistence
type AccountResourceRepository struct {
	db *PostgresDB
}

// NewAccountResourceRepository creates a new account resource repository
func NewAccountResourceRepository(db *PostgresDB) *AccountResourceRepository {
	return &AccountResourceRepository{db: db}
}

// Upsert inserts the resource or replaces the payload and chain name of the record
// with the same identity. last_updated only moves when one of them actually changed,
// so re-applying an unchanged snapshot leaves the row untouched.
func (r *AccountResourceRepository) Upsert(ctx context.Context, res *models.AccountResource) error {
	query := `
		INSERT INTO account_resources (address, chain_id, chain_name, resource_type, payload, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address, chain_id, resource_type) DO UPDATE SET
			payload = EXCLUDED.payload,
			chain_name = EXCLUDED.chain_name,
			last_updated = CASE
				WHEN account_resources.payload IS DISTINCT FROM EXCLUDED.payload
					OR account_resources.chain_name IS DISTINCT FROM EXCLUDED.chain_name THEN EXCLUDED.last_updated
				ELSE account_resources.last_updated
			END
		RETURNING id, chain_name, last_updated
	`

	err := r.db.Pool().QueryRow(ctx, query,
		res.Address,
		res.ChainID,
		res.ChainName,
		string(res.ResourceType),
		[]byte(res.Payload),
		res.LastUpdated,
	).Scan(&res.ID, &res.ChainName, &res.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert %s of %s on %s: %w", res.ResourceType, res.Address, res.ChainID, err)
	}
	return nil
}

// FindByIdentity returns the record identified by id
func (r *AccountResourceRepository) FindByIdentity(ctx context.Context, id models.AccountIdentity) (*models.AccountResource, error) {
	query := `
		SELECT id, address, chain_id, chain_name, resource_type, payload, last_updated
		FROM account_resources
		WHERE address = $1 AND chain_id = $2 AND resource_type = $3
	`

	res, err := scanAccountResource(r.db.Pool().QueryRow(ctx, query, id.Address, id.ChainID, string(id.ResourceType)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account resource: %w", err)
	}
	return res, nil
}

// FindByAddress returns every stored resource of an address on a chain
func (r *AccountResourceRepository) FindByAddress(ctx context.Context, address, chainID string) ([]*models.AccountResource, error) {
	query := `
		SELECT id, address, chain_id, chain_name, resource_type, payload, last_updated
		FROM account_resources
		WHERE address = $1 AND chain_id = $2
		ORDER BY resource_type
	`

	rows, err := r.db.Pool().Query(ctx, query, address, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query account resources: %w", err)
	}
	defer rows.Close()

	var resources []*models.AccountResource
	for rows.Next() {
		res, err := scanAccountResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account resource: %w", err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account resources: %w", err)
	}
	return resources, nil
}

func scanAccountResource(row pgx.Row) (*models.AccountResource, error) {
	var res models.AccountResource
	var resourceType string
	var payload []byte
	if err := row.Scan(&res.ID, &res.Address, &res.ChainID, &res.ChainName, &resourceType, &payload, &res.LastUpdated); err != nil {
		return nil, err
	}
	res.ResourceType = types.ResourceType(resourceType)
	res.Payload = payload
	return &res, nil
}
