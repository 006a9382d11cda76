package dispute

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

var asset = common.HexToAddress("0x00000000000000000000000000000000000000e7")

type fixture struct {
	keys []*ecdsa.PrivateKey
	ch   channel.Channel
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{}
	for i := 0; i < 2; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		f.keys = append(f.keys, key)
		f.ch.Participants = append(f.ch.Participants, crypto.PubkeyToAddress(key.PublicKey))
	}
	f.ch.ChainID = big.NewInt(1337)
	return f
}

func (f fixture) signed(t *testing.T, turn uint64) channel.SignedState {
	t.Helper()
	s := channel.State{
		Channel:           f.ch,
		TurnNum:           turn,
		ChallengeDuration: 100,
		Outcome: channel.Outcome{{AssetHolder: asset, Allocation: []channel.AllocationItem{
			{Destination: channel.AddressDestination(f.ch.Participants[0]), Amount: big.NewInt(5)},
			{Destination: channel.AddressDestination(f.ch.Participants[1]), Amount: big.NewInt(5)},
		}}},
	}
	ss, err := channel.SignState(s, f.keys[turn%2])
	require.NoError(t, err)
	return ss
}

func TestRegistrySingleFlight(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry()
	id := f.ch.ID()

	assert.True(t, r.Upsert(Challenge{ChannelID: id, ChallengeState: f.signed(t, 5).State, ExpiresAt: 100}))
	assert.False(t, r.Upsert(Challenge{ChannelID: id, ChallengeState: f.signed(t, 6).State, ExpiresAt: 200}))
	assert.Equal(t, 1, r.Len())

	c, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint64(6), c.ChallengeState.TurnNum)
	assert.Equal(t, uint64(200), c.ExpiresAt)

	assert.Empty(t, r.ObserveBlock(199))
	expired := r.ObserveBlock(200)
	require.Len(t, expired, 1)
	assert.True(t, expired[0].Finalized)
	assert.Empty(t, r.ObserveBlock(300), "finalized once")

	assert.True(t, r.Clear(id))
	assert.False(t, r.Clear(id))
}

func TestChallengerPreconditions(t *testing.T) {
	f := newFixture(t)
	id := f.ch.ID()

	c := NewChallenger(id, nil, 0)
	assert.Equal(t, AcknowledgeFailure, c.Stage())
	assert.Equal(t, ReasonChannelDoesntExist, c.Reason())

	c = NewChallenger(id, []channel.SignedState{f.signed(t, 1)}, 0)
	assert.Equal(t, ReasonNotFullyOpen, c.Reason())

	c = NewChallenger(id, []channel.SignedState{f.signed(t, 4), f.signed(t, 5)}, 0)
	assert.Equal(t, ReasonAlreadyHaveLatest, c.Reason())
	assert.True(t, c.Acknowledge())
	assert.Equal(t, ChallengerFailure, c.Stage())

	c = NewChallenger(id, []channel.SignedState{f.signed(t, 4), f.signed(t, 5)}, 1)
	assert.Equal(t, ApproveChallenge, c.Stage())
	assert.True(t, c.Deny())
	assert.Equal(t, ReasonDeclinedByUser, c.Reason())
}

func TestChallengerLatestWhileApproving(t *testing.T) {
	f := newFixture(t)
	c := NewChallenger(f.ch.ID(), []channel.SignedState{f.signed(t, 2), f.signed(t, 3)}, 1)
	require.Equal(t, ApproveChallenge, c.Stage())

	assert.Nil(t, c.Approve([]channel.SignedState{f.signed(t, 2), f.signed(t, 3), f.signed(t, 4)}))
	assert.Equal(t, ReasonLatestWhileApproving, c.Reason())
}

// Scenario E: the timeout fires exactly once, only at or after expiry.
func TestChallengerTimeout(t *testing.T) {
	f := newFixture(t)
	held := []channel.SignedState{f.signed(t, 3), f.signed(t, 4), f.signed(t, 5)}
	c := NewChallenger(f.ch.ID(), held, 1)

	tx := c.Approve(held)
	require.NotNil(t, tx)
	assert.Equal(t, channel.TxForceMove, tx.Kind)
	require.Len(t, tx.States, 2)
	assert.Equal(t, uint64(4), tx.States[0].State.TurnNum)

	assert.True(t, c.TransactionSent())
	assert.True(t, c.ChallengeCreated(1000))
	assert.True(t, c.TransactionApproved())
	assert.True(t, c.TransactionConfirmed())
	assert.Equal(t, WaitForResponseOrTimeout, c.Stage())

	assert.False(t, c.BlockMined(999))
	assert.Equal(t, WaitForResponseOrTimeout, c.Stage())

	assert.True(t, c.BlockMined(1000))
	assert.Equal(t, AcknowledgeChallengeTimeout, c.Stage())
	assert.False(t, c.BlockMined(1001))
	assert.False(t, c.ResponseReceived(f.signed(t, 6)))

	assert.True(t, c.Acknowledge())
	assert.Equal(t, ChallengerApproveWithdrawal, c.Stage())
	assert.True(t, c.Stage().Terminal())
}

func TestChallengerResponseAndRetry(t *testing.T) {
	f := newFixture(t)
	held := []channel.SignedState{f.signed(t, 4), f.signed(t, 5)}
	c := NewChallenger(f.ch.ID(), held, 1)
	first := c.Approve(held)
	require.NotNil(t, first)

	assert.True(t, c.TransactionSent())
	assert.True(t, c.TransactionFailed())
	assert.Equal(t, ChallengeTransactionFailed, c.Stage())
	assert.Same(t, first, c.Retry())
	assert.Equal(t, WaitForChallengeInitiation, c.Stage())

	assert.True(t, c.TransactionSent())
	assert.True(t, c.TransactionConfirmed())
	assert.True(t, c.ResponseReceived(f.signed(t, 6)))
	assert.Equal(t, AcknowledgeChallengeResponse, c.Stage())
	require.NotNil(t, c.Response())
	assert.True(t, c.Acknowledge())
	assert.Equal(t, ChallengerSuccessOpen, c.Stage())
}

func TestResponderExistingMove(t *testing.T) {
	f := newFixture(t)
	challenged := f.signed(t, 5)
	ours := f.signed(t, 6)
	r := NewResponder(Challenge{ChannelID: f.ch.ID(), ChallengeState: challenged.State, ExpiresAt: 500},
		[]channel.SignedState{challenged, ours})

	assert.Equal(t, RespondExistingMove, r.Kind())
	assert.False(t, r.RespondWithNewMove(), "a held response must be reused")

	tx := r.RespondWithExistingMove()
	require.NotNil(t, tx)
	require.Len(t, tx.States, 1)
	assert.Equal(t, ours.Signature, tx.States[0].Signature)

	assert.True(t, r.TransactionSent())
	assert.True(t, r.TransactionApproved())
	assert.True(t, r.TransactionConfirmed())
	assert.Equal(t, AcknowledgeChallengeComplete, r.Stage())
	assert.False(t, r.BlockMined(600), "confirmed responses do not time out")
	assert.True(t, r.Acknowledge())
	assert.Equal(t, ResponderSuccess, r.Stage())
}

func TestResponderNewMove(t *testing.T) {
	f := newFixture(t)
	challenged := f.signed(t, 5)
	r := NewResponder(Challenge{ChannelID: f.ch.ID(), ChallengeState: challenged.State, ExpiresAt: 500},
		[]channel.SignedState{challenged})
	assert.Equal(t, RespondNewMove, r.Kind())
	assert.Nil(t, r.RespondWithExistingMove())
	assert.True(t, r.RespondWithNewMove())
	assert.Equal(t, TakeMoveInApp, r.Stage())

	_, err := r.MoveTaken(f.signed(t, 7))
	assert.Error(t, err)
	assert.Equal(t, TakeMoveInApp, r.Stage())

	tx, err := r.MoveTaken(f.signed(t, 6))
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, channel.TxRespond, tx.Kind)

	assert.True(t, r.TransactionFailed())
	assert.Same(t, tx, r.Retry())
	assert.Equal(t, InitiateResponse, r.Stage())
}

func TestResponderTimeout(t *testing.T) {
	f := newFixture(t)
	challenged := f.signed(t, 5)
	r := NewResponder(Challenge{ChannelID: f.ch.ID(), ChallengeState: challenged.State, ExpiresAt: 500}, nil)

	assert.False(t, r.BlockMined(499))
	assert.Equal(t, ChooseResponse, r.Stage())
	assert.True(t, r.BlockMined(500))
	assert.Equal(t, ChallengeeAcknowledgeChallengeTimeout, r.Stage())
	assert.False(t, r.BlockMined(501))
	assert.True(t, r.Acknowledge())
	assert.Equal(t, ResponderApproveWithdrawal, r.Stage())
}
