package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/rs/zerolog"

	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

var (
	ErrChallengeOngoing   = errors.New("challenge already ongoing")
	ErrNoChallenge        = errors.New("no live challenge")
	ErrChannelFinalized   = errors.New("channel finalized")
	ErrNotFinalized       = errors.New("channel not finalized")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// subscriptionBuffer bounds the events queued for one slow subscriber.
const subscriptionBuffer = 64

type holdingKey struct {
	channelID   common.Hash
	assetHolder common.Address
}

type onChainChannel struct {
	challenge *channel.State
	expiresAt uint64
	finalized bool
}

// Adjudicator is an in-process adjudicator contract. It applies deposit,
// force-move, respond, conclude and withdraw with on-chain semantics and
// publishes the resulting events on per-name feeds and on one combined feed.
// Events are queued in the order the transactions were applied and delivered
// by a single dispatcher, so a transaction never waits for subscribers.
type Adjudicator struct {
	mu        sync.Mutex
	holdings  map[holdingKey]*big.Int
	channels  map[common.Hash]*onChainChannel
	block     uint64
	timestamp uint64
	pending   []adjudicator.Event

	feeds map[adjudicator.EventName]*event.FeedOf[adjudicator.Event]
	scope event.SubscriptionScope

	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger zerolog.Logger
}

func NewAdjudicator(logger zerolog.Logger) *Adjudicator {
	feeds := make(map[adjudicator.EventName]*event.FeedOf[adjudicator.Event])
	for _, name := range []adjudicator.EventName{
		adjudicator.EventDeposited,
		adjudicator.EventChallengeCreated,
		adjudicator.EventChallengeCleared,
		adjudicator.EventConcluded,
		adjudicator.EventBlockMined,
		adjudicator.EventAll,
	} {
		feeds[name] = new(event.FeedOf[adjudicator.Event])
	}
	a := &Adjudicator{
		holdings: make(map[holdingKey]*big.Int),
		channels: make(map[common.Hash]*onChainChannel),
		feeds:    feeds,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		logger:   logger.With().Str("service", "adjudicator").Logger(),
	}
	a.wg.Add(1)
	go a.dispatch()
	return a
}

// Deposit reverts when holdings are below expectedHeld and otherwise tops
// holdings up to expectedHeld+value. A deposit that would not raise holdings
// moves nothing.
func (a *Adjudicator) Deposit(ctx context.Context, channelID common.Hash, assetHolder common.Address, expectedHeld, value *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if expectedHeld == nil || value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: deposit amounts", ErrInvalidTransaction)
	}
	a.mu.Lock()
	if c := a.channels[channelID]; c != nil && c.finalized {
		a.mu.Unlock()
		return nil, ErrChannelFinalized
	}
	key := holdingKey{channelID, assetHolder}
	held := a.heldLocked(key)
	if held.Cmp(expectedHeld) < 0 {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: held %s, expected %s", adjudicator.ErrHoldingsMismatch, held, expectedHeld)
	}
	target := new(big.Int).Add(expectedHeld, value)
	deposited := new(big.Int).Sub(target, held)
	if deposited.Sign() < 0 {
		deposited.SetInt64(0)
	}
	newHeld := new(big.Int).Add(held, deposited)
	a.holdings[key] = newHeld
	a.publishLocked(adjudicator.Deposited{
		ChannelID:           channelID,
		AssetHolder:         assetHolder,
		AmountDeposited:     deposited,
		DestinationHoldings: new(big.Int).Set(newHeld),
	})
	a.mu.Unlock()

	a.logger.Debug().Str("channelId", channelID.Hex()).Str("amount", deposited.String()).Str("holdings", newHeld.String()).Msg("deposit applied")
	return new(big.Int).Set(newHeld), nil
}

func (a *Adjudicator) Holdings(ctx context.Context, channelID common.Hash, assetHolder common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.heldLocked(holdingKey{channelID, assetHolder})), nil
}

// Subscribe delivers events of one name, or every event for EventAll, to
// handler on a dedicated goroutine.
func (a *Adjudicator) Subscribe(name adjudicator.EventName, handler adjudicator.Handler) func() {
	feed, ok := a.feeds[name]
	if !ok {
		return func() {}
	}
	ch := make(chan adjudicator.Event, subscriptionBuffer)
	sub := a.scope.Track(feed.Subscribe(ch))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-ch:
				handler(ev)
			case <-sub.Err():
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Unsubscribe()
			<-done
		})
	}
}

// Submit applies a queued transaction.
func (a *Adjudicator) Submit(ctx context.Context, tx channel.TransactionRequest) error {
	switch tx.Kind {
	case channel.TxDeposit:
		_, err := a.Deposit(ctx, tx.ChannelID, tx.AssetHolder, tx.ExpectedHeld, tx.Value)
		return err
	case channel.TxForceMove:
		return a.forceMove(tx)
	case channel.TxRespond:
		return a.respond(tx)
	case channel.TxConclude:
		return a.conclude(tx)
	case channel.TxWithdraw:
		return a.withdraw(tx)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransaction, tx.Kind)
	}
}

// MineBlock advances chain time and finalizes expired challenges.
func (a *Adjudicator) MineBlock(timestamp uint64) adjudicator.BlockMined {
	a.mu.Lock()
	a.block++
	if timestamp > a.timestamp {
		a.timestamp = timestamp
	}
	for _, c := range a.channels {
		if c.challenge != nil && !c.finalized && a.timestamp >= c.expiresAt {
			c.finalized = true
		}
	}
	ev := adjudicator.BlockMined{Number: a.block, Timestamp: a.timestamp}
	a.publishLocked(ev)
	a.mu.Unlock()
	return ev
}

// Finalized reports whether the channel concluded or its challenge expired.
func (a *Adjudicator) Finalized(channelID common.Hash) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.channels[channelID]
	return c != nil && c.finalized
}

// Close stops the dispatcher and ends every subscription. Undelivered events
// are dropped.
func (a *Adjudicator) Close() {
	a.closeOnce.Do(func() { close(a.quit) })
	a.scope.Close()
	a.wg.Wait()
}

func (a *Adjudicator) forceMove(tx channel.TransactionRequest) error {
	last, challenger, err := checkSupport(tx.States)
	if err != nil {
		return err
	}
	id := last.State.ChannelID()
	a.mu.Lock()
	c := a.channelLocked(id)
	switch {
	case c.finalized:
		a.mu.Unlock()
		return ErrChannelFinalized
	case c.challenge != nil:
		a.mu.Unlock()
		return ErrChallengeOngoing
	}
	st := last.State.Clone()
	c.challenge = &st
	c.expiresAt = a.timestamp + st.ChallengeDuration
	ev := adjudicator.ChallengeCreated{
		ChannelID:      id,
		ChallengeState: st.Clone(),
		Challenger:     challenger,
		ExpiresAt:      c.expiresAt,
	}
	a.publishLocked(ev)
	a.mu.Unlock()
	return nil
}

func (a *Adjudicator) respond(tx channel.TransactionRequest) error {
	if len(tx.States) != 1 {
		return fmt.Errorf("%w: respond takes one state", ErrInvalidTransaction)
	}
	response := tx.States[0]
	if !response.Valid() {
		return fmt.Errorf("%w: response signature", ErrInvalidTransaction)
	}
	id := response.State.ChannelID()
	a.mu.Lock()
	c := a.channels[id]
	if c == nil || c.challenge == nil || c.finalized {
		a.mu.Unlock()
		return ErrNoChallenge
	}
	if err := channel.CheckTransition(*c.challenge, response.State); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	c.challenge = nil
	c.expiresAt = 0
	a.publishLocked(adjudicator.ChallengeCleared{ChannelID: id, Response: response})
	a.mu.Unlock()
	return nil
}

func (a *Adjudicator) conclude(tx channel.TransactionRequest) error {
	last, _, err := checkSupport(tx.States)
	if err != nil {
		return err
	}
	if !last.State.IsFinal {
		return fmt.Errorf("%w: conclusion proof must end in a final state", ErrInvalidTransaction)
	}
	id := last.State.ChannelID()
	a.mu.Lock()
	c := a.channelLocked(id)
	if c.finalized {
		a.mu.Unlock()
		return ErrChannelFinalized
	}
	c.finalized = true
	c.challenge = nil
	a.publishLocked(adjudicator.Concluded{ChannelID: id})
	a.mu.Unlock()
	return nil
}

func (a *Adjudicator) withdraw(tx channel.TransactionRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.channels[tx.ChannelID]
	if c == nil || !c.finalized {
		return ErrNotFinalized
	}
	for key := range a.holdings {
		if key.channelID == tx.ChannelID {
			a.holdings[key] = new(big.Int)
		}
	}
	return nil
}

// checkSupport validates a chain of signed states and returns the last one
// with the address that signed it.
func checkSupport(states []channel.SignedState) (channel.SignedState, common.Address, error) {
	if len(states) == 0 {
		return channel.SignedState{}, common.Address{}, fmt.Errorf("%w: no states", ErrInvalidTransaction)
	}
	for i, ss := range states {
		if !ss.Valid() {
			return channel.SignedState{}, common.Address{}, fmt.Errorf("%w: signature on turn %d", ErrInvalidTransaction, ss.State.TurnNum)
		}
		if i > 0 {
			if err := channel.CheckTransition(states[i-1].State, ss.State); err != nil {
				return channel.SignedState{}, common.Address{}, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
			}
		}
	}
	last := states[len(states)-1]
	signer, err := channel.RecoverSigner(last.State, last.Signature)
	if err != nil {
		return channel.SignedState{}, common.Address{}, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return last, signer, nil
}

func (a *Adjudicator) heldLocked(key holdingKey) *big.Int {
	if v, ok := a.holdings[key]; ok {
		return v
	}
	return new(big.Int)
}

func (a *Adjudicator) channelLocked(id common.Hash) *onChainChannel {
	c, ok := a.channels[id]
	if !ok {
		c = &onChainChannel{}
		a.channels[id] = c
	}
	return c
}

// publishLocked queues ev behind every event of earlier transactions.
// Callers hold a.mu.
func (a *Adjudicator) publishLocked(ev adjudicator.Event) {
	a.pending = append(a.pending, ev)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Adjudicator) dispatch() {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			return
		case <-a.wake:
		}
		a.mu.Lock()
		batch := a.pending
		a.pending = nil
		a.mu.Unlock()
		for _, ev := range batch {
			n := a.feeds[ev.Name()].Send(ev)
			n += a.feeds[adjudicator.EventAll].Send(ev)
			a.logger.Debug().Str("event", string(ev.Name())).Int("subscribers", n).Msg("event published")
		}
	}
}
