package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

var asset = common.HexToAddress("0x00000000000000000000000000000000000000e7")

func TestDepositSemantics(t *testing.T) {
	ctx := context.Background()
	a := NewAdjudicator(zerolog.Nop())
	defer a.Close()
	id := common.HexToHash("0x01")

	held, err := a.Deposit(ctx, id, asset, big.NewInt(0), big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, int64(5), held.Int64())

	_, err = a.Deposit(ctx, id, asset, big.NewInt(6), big.NewInt(3))
	assert.ErrorIs(t, err, adjudicator.ErrHoldingsMismatch)

	// Someone else already covered part of this top-up.
	held, err = a.Deposit(ctx, id, asset, big.NewInt(4), big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, int64(7), held.Int64())

	held, err = a.Deposit(ctx, id, asset, big.NewInt(2), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(7), held.Int64())

	held, err = a.Holdings(ctx, id, asset)
	require.NoError(t, err)
	assert.Equal(t, int64(7), held.Int64())
}

func TestSubscribeDeliversUntilUnsubscribed(t *testing.T) {
	ctx := context.Background()
	a := NewAdjudicator(zerolog.Nop())
	defer a.Close()
	id := common.HexToHash("0x02")

	got := make(chan adjudicator.Deposited, 4)
	unsubscribe := a.Subscribe(adjudicator.EventDeposited, func(ev adjudicator.Event) {
		got <- ev.(adjudicator.Deposited)
	})

	_, err := a.Deposit(ctx, id, asset, big.NewInt(0), big.NewInt(2))
	require.NoError(t, err)
	select {
	case ev := <-got:
		assert.Equal(t, id, ev.ChannelID)
		assert.Equal(t, int64(2), ev.AmountDeposited.Int64())
		assert.Equal(t, int64(2), ev.DestinationHoldings.Int64())
	case <-time.After(time.Second):
		t.Fatal("deposit event not delivered")
	}

	unsubscribe()
	unsubscribe()
	_, err = a.Deposit(ctx, id, asset, big.NewInt(2), big.NewInt(2))
	require.NoError(t, err)
	select {
	case <-got:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

type parties struct {
	keys []*ecdsa.PrivateKey
	ch   channel.Channel
}

func newParties(t *testing.T) parties {
	t.Helper()
	var p parties
	for i := 0; i < 2; i++ {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		p.keys = append(p.keys, k)
		p.ch.Participants = append(p.ch.Participants, crypto.PubkeyToAddress(k.PublicKey))
	}
	p.ch.ChainID = big.NewInt(1)
	p.ch.ChannelNonce = 7
	return p
}

func (p parties) signed(t *testing.T, turn uint64, final bool) channel.SignedState {
	t.Helper()
	s := channel.State{
		Channel:           p.ch,
		TurnNum:           turn,
		IsFinal:           final,
		ChallengeDuration: 100,
		Outcome: channel.Outcome{{AssetHolder: asset, Allocation: []channel.AllocationItem{
			{Destination: channel.AddressDestination(p.ch.Participants[0]), Amount: big.NewInt(3)},
			{Destination: channel.AddressDestination(p.ch.Participants[1]), Amount: big.NewInt(2)},
		}}},
	}
	ss, err := channel.SignState(s, p.keys[turn%2])
	require.NoError(t, err)
	return ss
}

func TestForceMoveExpiresThenWithdraw(t *testing.T) {
	ctx := context.Background()
	a := NewAdjudicator(zerolog.Nop())
	defer a.Close()
	p := newParties(t)
	id := p.ch.ID()

	created := make(chan adjudicator.ChallengeCreated, 1)
	defer a.Subscribe(adjudicator.EventChallengeCreated, func(ev adjudicator.Event) {
		created <- ev.(adjudicator.ChallengeCreated)
	})()

	_, err := a.Deposit(ctx, id, asset, big.NewInt(0), big.NewInt(5))
	require.NoError(t, err)
	a.MineBlock(1000)

	proof := []channel.SignedState{p.signed(t, 4, false), p.signed(t, 5, false)}
	require.NoError(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxForceMove, ChannelID: id, States: proof}))
	assert.ErrorIs(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxForceMove, ChannelID: id, States: proof}), ErrChallengeOngoing)

	select {
	case ev := <-created:
		assert.Equal(t, uint64(1100), ev.ExpiresAt)
		assert.Equal(t, uint64(5), ev.ChallengeState.TurnNum)
		assert.Equal(t, p.ch.Participants[1], ev.Challenger)
	case <-time.After(time.Second):
		t.Fatal("challenge event not delivered")
	}

	assert.ErrorIs(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxWithdraw, ChannelID: id}), ErrNotFinalized)
	a.MineBlock(1099)
	assert.False(t, a.Finalized(id))
	a.MineBlock(1100)
	assert.True(t, a.Finalized(id))

	require.NoError(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxWithdraw, ChannelID: id}))
	held, err := a.Holdings(ctx, id, asset)
	require.NoError(t, err)
	assert.Equal(t, int64(0), held.Int64())

	_, err = a.Deposit(ctx, id, asset, big.NewInt(0), big.NewInt(1))
	assert.ErrorIs(t, err, ErrChannelFinalized)
}

func TestRespondClearsChallenge(t *testing.T) {
	ctx := context.Background()
	a := NewAdjudicator(zerolog.Nop())
	defer a.Close()
	p := newParties(t)
	id := p.ch.ID()

	cleared := make(chan adjudicator.ChallengeCleared, 1)
	defer a.Subscribe(adjudicator.EventChallengeCleared, func(ev adjudicator.Event) {
		cleared <- ev.(adjudicator.ChallengeCleared)
	})()

	require.NoError(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxForceMove, ChannelID: id, States: []channel.SignedState{p.signed(t, 5, false)}}))

	err := a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxRespond, ChannelID: id, States: []channel.SignedState{p.signed(t, 7, false)}})
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	require.NoError(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxRespond, ChannelID: id, States: []channel.SignedState{p.signed(t, 6, false)}}))
	select {
	case ev := <-cleared:
		assert.Equal(t, uint64(6), ev.Response.State.TurnNum)
	case <-time.After(time.Second):
		t.Fatal("clear event not delivered")
	}
	assert.ErrorIs(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxRespond, ChannelID: id, States: []channel.SignedState{p.signed(t, 7, false)}}), ErrNoChallenge)
}

func TestConcludeRequiresFinalState(t *testing.T) {
	ctx := context.Background()
	a := NewAdjudicator(zerolog.Nop())
	defer a.Close()
	p := newParties(t)
	id := p.ch.ID()

	err := a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxConclude, ChannelID: id, States: []channel.SignedState{p.signed(t, 8, false)}})
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	proof := []channel.SignedState{p.signed(t, 8, true), p.signed(t, 9, true)}
	require.NoError(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxConclude, ChannelID: id, States: proof}))
	assert.True(t, a.Finalized(id))
	assert.ErrorIs(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxConclude, ChannelID: id, States: proof}), ErrChannelFinalized)
}

func TestAllEventsArriveInTransactionOrder(t *testing.T) {
	ctx := context.Background()
	a := NewAdjudicator(zerolog.Nop())
	defer a.Close()
	p := newParties(t)
	id := p.ch.ID()

	got := make(chan adjudicator.Event, 8)
	defer a.Subscribe(adjudicator.EventAll, func(ev adjudicator.Event) { got <- ev })()

	_, err := a.Deposit(ctx, id, asset, big.NewInt(0), big.NewInt(5))
	require.NoError(t, err)
	require.NoError(t, a.Submit(ctx, channel.TransactionRequest{Kind: channel.TxForceMove, ChannelID: id, States: []channel.SignedState{p.signed(t, 5, false)}}))
	a.MineBlock(100)

	var names []adjudicator.EventName
	for len(names) < 3 {
		select {
		case ev := <-got:
			names = append(names, ev.Name())
		case <-time.After(time.Second):
			t.Fatalf("only %d events delivered", len(names))
		}
	}
	assert.Equal(t, []adjudicator.EventName{
		adjudicator.EventDeposited,
		adjudicator.EventChallengeCreated,
		adjudicator.EventBlockMined,
	}, names)
}

func TestSlowSubscriberDoesNotBlockTransactions(t *testing.T) {
	ctx := context.Background()
	a := NewAdjudicator(zerolog.Nop())
	defer a.Close()
	id := common.HexToHash("0x03")

	release := make(chan struct{})
	var delivered []*big.Int
	unsubscribe := a.Subscribe(adjudicator.EventDeposited, func(ev adjudicator.Event) {
		<-release
		delivered = append(delivered, ev.(adjudicator.Deposited).DestinationHoldings)
	})

	const n = 3 * subscriptionBuffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			_, err := a.Deposit(ctx, id, asset, big.NewInt(int64(i)), big.NewInt(1))
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deposits blocked on a stalled subscriber")
	}

	close(release)
	assert.Eventually(t, func() bool {
		held, err := a.Holdings(ctx, id, asset)
		return err == nil && held.Int64() == n
	}, time.Second, 5*time.Millisecond)
	unsubscribe()
	for i, h := range delivered {
		assert.Equal(t, int64(i+1), h.Int64())
	}
}
