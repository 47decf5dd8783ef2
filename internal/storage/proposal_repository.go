package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/types"
	"github.com/jackc/pgx/v5"
)

// ProposalRepository handles governance proposal persistence
type ProposalRepository struct {
	db *PostgresDB
}

// NewProposalRepository creates a new proposal repository
func NewProposalRepository(db *PostgresDB) *ProposalRepository {
	return &ProposalRepository{db: db}
}

// FindByChain returns every stored proposal of a chain
func (r *ProposalRepository) FindByChain(ctx context.Context, chainID string) ([]*models.Proposal, error) {
	query := `
		SELECT id, proposal_id, chain_id, status, deposits, body, updated_at
		FROM proposals
		WHERE chain_id = $1
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proposals: %w", err)
	}
	return proposals, nil
}

// FindByIdentity returns the proposal with the given id on a chain
func (r *ProposalRepository) FindByIdentity(ctx context.Context, chainID, proposalID string) (*models.Proposal, error) {
	query := `
		SELECT id, proposal_id, chain_id, status, deposits, body, updated_at
		FROM proposals
		WHERE chain_id = $1 AND proposal_id = $2
	`

	p, err := scanProposal(r.db.Pool().QueryRow(ctx, query, chainID, proposalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

// Upsert inserts the proposal or replaces its status and body.
// Deposits are owned by the deposit crawler and survive the update.
func (r *ProposalRepository) Upsert(ctx context.Context, p *models.Proposal) error {
	deposits, err := json.Marshal(nonNilDeposits(p.Deposits))
	if err != nil {
		return fmt.Errorf("failed to marshal deposits: %w", err)
	}

	query := `
		INSERT INTO proposals (proposal_id, chain_id, status, deposits, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (proposal_id, chain_id) DO UPDATE SET
			status = EXCLUDED.status,
			body = EXCLUDED.body,
			updated_at = CASE
				WHEN proposals.status IS DISTINCT FROM EXCLUDED.status
					OR proposals.body IS DISTINCT FROM EXCLUDED.body THEN EXCLUDED.updated_at
				ELSE proposals.updated_at
			END
		RETURNING id, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		p.ProposalID,
		p.ChainID,
		string(p.Status),
		deposits,
		[]byte(p.Body),
		p.UpdatedAt,
	).Scan(&p.ID, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert proposal %s on %s: %w", p.ProposalID, p.ChainID, err)
	}
	return nil
}

// UpdateStatus sets the status of a stored proposal
func (r *ProposalRepository) UpdateStatus(ctx context.Context, chainID, proposalID string, status types.ProposalStatus) error {
	query := `
		UPDATE proposals
		SET status = $3, updated_at = $4
		WHERE chain_id = $1 AND proposal_id = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, chainID, proposalID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update status of proposal %s on %s: %w", proposalID, chainID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDeposits replaces the deposits of a stored proposal. It returns ErrNotFound
// when the proposal has not been crawled yet.
func (r *ProposalRepository) SetDeposits(ctx context.Context, chainID, proposalID string, deposits []types.Deposit) error {
	data, err := json.Marshal(nonNilDeposits(deposits))
	if err != nil {
		return fmt.Errorf("failed to marshal deposits: %w", err)
	}

	query := `
		UPDATE proposals
		SET deposits = $3, updated_at = $4
		WHERE chain_id = $1 AND proposal_id = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, chainID, proposalID, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set deposits of proposal %s on %s: %w", proposalID, chainID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProposal(row pgx.Row) (*models.Proposal, error) {
	var p models.Proposal
	var status string
	var deposits, body []byte
	if err := row.Scan(&p.ID, &p.ProposalID, &p.ChainID, &status, &deposits, &body, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = types.ProposalStatus(status)
	p.Body = body
	if err := json.Unmarshal(deposits, &p.Deposits); err != nil {
		return nil, fmt.Errorf("invalid deposits of proposal %s: %w", p.ProposalID, err)
	}
	return &p, nil
}

func nonNilDeposits(d []types.Deposit) []types.Deposit {
	if d == nil {
		return []types.Deposit{}
	}
	return d
}
