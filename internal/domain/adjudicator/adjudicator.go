package adjudicator

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_chain.go -package=mocks . Chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// EventName selects a chain event stream.
type EventName string

const (
	EventDeposited        EventName = "Deposited"
	EventChallengeCreated EventName = "ChallengeCreated"
	EventChallengeCleared EventName = "ChallengeCleared"
	EventConcluded        EventName = "Concluded"
	EventBlockMined       EventName = "BlockMined"

	// EventAll subscribes to every event in publication order.
	EventAll EventName = "*"
)

// ErrHoldingsMismatch is the revert raised when on-chain holdings are below expectedHeld.
var ErrHoldingsMismatch = errors.New("holdings below expected held")

// Event is implemented by every chain event.
type Event interface {
	Name() EventName
}

// Deposited reports a channel's new holdings for an asset.
type Deposited struct {
	ChannelID           common.Hash    `json:"channelId"`
	AssetHolder         common.Address `json:"assetHolder"`
	AmountDeposited     *big.Int       `json:"amountDeposited"`
	DestinationHoldings *big.Int       `json:"destinationHoldings"`
}

// ChallengeCreated reports a force-move.
type ChallengeCreated struct {
	ChannelID      common.Hash    `json:"channelId"`
	ChallengeState channel.State  `json:"challengeState"`
	Challenger     common.Address `json:"challenger"`
	ExpiresAt      uint64         `json:"expiresAt"`
}

// ChallengeCleared reports a valid response.
type ChallengeCleared struct {
	ChannelID common.Hash         `json:"channelId"`
	Response  channel.SignedState `json:"response"`
}

// Concluded reports an on-chain conclusion.
type Concluded struct {
	ChannelID common.Hash `json:"channelId"`
}

// BlockMined carries the timestamp used for challenge expiry.
type BlockMined struct {
	Number    uint64 `json:"number"`
	Timestamp uint64 `json:"timestamp"`
}

func (Deposited) Name() EventName        { return EventDeposited }
func (ChallengeCreated) Name() EventName { return EventChallengeCreated }
func (ChallengeCleared) Name() EventName { return EventChallengeCleared }
func (Concluded) Name() EventName        { return EventConcluded }
func (BlockMined) Name() EventName       { return EventBlockMined }

// Handler receives events from a subscription.
type Handler func(Event)

// Chain is the adjudicator collaborator.
type Chain interface {
	// Deposit reverts with ErrHoldingsMismatch when current holdings are below
	// expectedHeld. It tops holdings up to expectedHeld+value and returns the new holdings.
	Deposit(ctx context.Context, channelID common.Hash, assetHolder common.Address, expectedHeld, value *big.Int) (*big.Int, error)
	Holdings(ctx context.Context, channelID common.Hash, assetHolder common.Address) (*big.Int, error)
	// Subscribe registers handler for one event stream, or for all of them
	// with EventAll. Callers must invoke the returned function to release the
	// subscription.
	Subscribe(name EventName, handler Handler) (unsubscribe func())
}
