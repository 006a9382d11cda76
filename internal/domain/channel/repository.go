package channel

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrStaleWrite is returned when an append does not extend the latest stored turn.
var ErrStaleWrite = errors.New("states do not extend the latest stored turn")

// Record is a stored channel row.
type Record struct {
	RecordID  uuid.UUID
	ChannelID common.Hash
	Channel   Channel
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StateRecord is an appended signed state.
type StateRecord struct {
	RecordID    uuid.UUID
	ChannelID   common.Hash
	TurnNum     uint64
	SignedState SignedState
	CreatedAt   time.Time
}

// Holding is the on-chain balance of a channel for one asset holder.
type Holding struct {
	AssetHolder common.Address `json:"assetHolder"`
	Amount      *big.Int       `json:"amount"`
}

// Repository persists channels, their states and observed holdings.
// Lookups return nil, nil when nothing is stored.
type Repository interface {
	FindChannel(ctx context.Context, channelID common.Hash) (*Record, error)
	LatestState(ctx context.Context, channelID common.Hash) (*SignedState, error)
	ListStates(ctx context.Context, channelID common.Hash) ([]StateRecord, error)
	// UpsertChannelWithStates creates the channel if needed and appends states
	// atomically. The first state must be latest+1, or the channel must be new.
	UpsertChannelWithStates(ctx context.Context, ch Channel, states []SignedState, holdings []Holding) (*Record, error)
	UpdateHoldings(ctx context.Context, channelID common.Hash, assetHolder common.Address, amount *big.Int) error
	Holdings(ctx context.Context, channelID common.Hash, assetHolder common.Address) (*big.Int, error)
}
