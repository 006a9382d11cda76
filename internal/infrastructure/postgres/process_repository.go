package postgres

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledger-hub/ledger-hub/internal/domain/process"
)

// ProcessRepository implements process.Repository.
type ProcessRepository struct {
	pool *pgxpool.Pool
}

func NewProcessRepository(pool *pgxpool.Pool) *ProcessRepository {
	return &ProcessRepository{pool: pool}
}

func (r *ProcessRepository) FindProcess(ctx context.Context, processID string) (*process.Process, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT process_id, counterparty, protocol, created_at
		FROM processes WHERE process_id=$1
	`, processID)
	var p process.Process
	var counterparty string
	if err := row.Scan(&p.ProcessID, &counterparty, &p.Protocol, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Counterparty = common.HexToAddress(counterparty)
	return &p, nil
}

// CreateProcess inserts the process unless it already exists and returns the stored row.
func (r *ProcessRepository) CreateProcess(ctx context.Context, processID string, counterparty common.Address, protocol process.ProtocolTag) (*process.Process, error) {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO processes (process_id, counterparty, protocol, created_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (process_id) DO NOTHING
	`, processID, counterparty.Hex(), string(protocol)); err != nil {
		return nil, err
	}
	return r.FindProcess(ctx, processID)
}
