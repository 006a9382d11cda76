package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

const uniqueViolation = "23505"

// ChannelRepository implements channel.Repository.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

func (r *ChannelRepository) FindChannel(ctx context.Context, channelID common.Hash) (*channel.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT record_id, channel, created_at, updated_at
		FROM channels WHERE channel_id=$1
	`, channelID.Hex())
	rec := channel.Record{ChannelID: channelID}
	var raw json.RawMessage
	if err := row.Scan(&rec.RecordID, &raw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &rec.Channel); err != nil {
		return nil, fmt.Errorf("decode channel %s: %w", channelID.Hex(), err)
	}
	return &rec, nil
}

func (r *ChannelRepository) LatestState(ctx context.Context, channelID common.Hash) (*channel.SignedState, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT signed_state FROM channel_states
		WHERE channel_id=$1
		ORDER BY turn_num DESC
		LIMIT 1
	`, channelID.Hex())
	var raw json.RawMessage
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var ss channel.SignedState
	if err := json.Unmarshal(raw, &ss); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &ss, nil
}

func (r *ChannelRepository) ListStates(ctx context.Context, channelID common.Hash) ([]channel.StateRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record_id, turn_num, signed_state, created_at
		FROM channel_states
		WHERE channel_id=$1
		ORDER BY turn_num ASC
	`, channelID.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []channel.StateRecord
	for rows.Next() {
		rec := channel.StateRecord{ChannelID: channelID}
		var turn int64
		var raw json.RawMessage
		if err := rows.Scan(&rec.RecordID, &turn, &raw, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.TurnNum = uint64(turn)
		if err := json.Unmarshal(raw, &rec.SignedState); err != nil {
			return nil, fmt.Errorf("decode state %d: %w", turn, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertChannelWithStates locks the channel row for the whole append, so two
// concurrent writers for one channel cannot both extend the same turn.
func (r *ChannelRepository) UpsertChannelWithStates(ctx context.Context, ch channel.Channel, states []channel.SignedState, holdings []channel.Holding) (*channel.Record, error) {
	channelID := ch.ID()
	chJSON, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("encode channel: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO channels (record_id, channel_id, channel, created_at, updated_at)
		VALUES ($1,$2,$3,NOW(),NOW())
		ON CONFLICT (channel_id) DO NOTHING
	`, uuid.New(), channelID.Hex(), chJSON); err != nil {
		return nil, err
	}

	rec := channel.Record{ChannelID: channelID, Channel: ch.Clone()}
	var latest *int64
	if err := tx.QueryRow(ctx, `
		SELECT record_id, latest_turn, created_at
		FROM channels WHERE channel_id=$1
		FOR UPDATE
	`, channelID.Hex()).Scan(&rec.RecordID, &latest, &rec.CreatedAt); err != nil {
		return nil, err
	}

	if len(states) > 0 {
		want := uint64(0)
		if latest != nil {
			want = uint64(*latest) + 1
		}
		if states[0].State.TurnNum != want {
			return nil, fmt.Errorf("%w: got turn %d, want %d", channel.ErrStaleWrite, states[0].State.TurnNum, want)
		}
		for i := 1; i < len(states); i++ {
			if states[i].State.TurnNum != states[i-1].State.TurnNum+1 {
				return nil, fmt.Errorf("%w: turn %d after %d", channel.ErrStaleWrite, states[i].State.TurnNum, states[i-1].State.TurnNum)
			}
		}
	}

	for _, ss := range states {
		raw, err := json.Marshal(ss)
		if err != nil {
			return nil, fmt.Errorf("encode state %d: %w", ss.State.TurnNum, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO channel_states (record_id, channel_id, turn_num, signed_state, created_at)
			VALUES ($1,$2,$3,$4,NOW())
		`, uuid.New(), channelID.Hex(), int64(ss.State.TurnNum), raw); err != nil {
			return nil, mapWriteError(err)
		}
	}
	if len(states) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE channels SET latest_turn=$1, updated_at=NOW() WHERE channel_id=$2
		`, int64(states[len(states)-1].State.TurnNum), channelID.Hex()); err != nil {
			return nil, err
		}
	}
	for _, h := range holdings {
		if err := upsertHolding(ctx, tx, channelID, h.AssetHolder, h.Amount); err != nil {
			return nil, err
		}
	}

	if err := tx.QueryRow(ctx, `SELECT updated_at FROM channels WHERE channel_id=$1`, channelID.Hex()).Scan(&rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError(err)
	}
	return &rec, nil
}

func (r *ChannelRepository) UpdateHoldings(ctx context.Context, channelID common.Hash, assetHolder common.Address, amount *big.Int) error {
	return upsertHolding(ctx, r.pool, channelID, assetHolder, amount)
}

func (r *ChannelRepository) Holdings(ctx context.Context, channelID common.Hash, assetHolder common.Address) (*big.Int, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `
		SELECT amount::text FROM channel_holdings WHERE channel_id=$1 AND asset_holder=$2
	`, channelID.Hex(), assetHolder.Hex()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid holdings %q", raw)
	}
	return amount, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertHolding(ctx context.Context, db execer, channelID common.Hash, assetHolder common.Address, amount *big.Int) error {
	if amount == nil {
		amount = new(big.Int)
	}
	_, err := db.Exec(ctx, `
		INSERT INTO channel_holdings (channel_id, asset_holder, amount, updated_at)
		VALUES ($1,$2,$3::numeric,NOW())
		ON CONFLICT (channel_id, asset_holder) DO UPDATE SET amount=EXCLUDED.amount, updated_at=NOW()
	`, channelID.Hex(), assetHolder.Hex(), amount.String())
	return err
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", channel.ErrStaleWrite, pgErr.ConstraintName)
	}
	return err
}
