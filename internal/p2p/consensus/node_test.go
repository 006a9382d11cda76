package consensus

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

var participants = []common.Address{
	common.HexToAddress("0xa1"),
	common.HexToAddress("0xf0"),
}

func newInmemNode(t *testing.T, id string, bootstrap bool) (*Node, *raft.InmemTransport) {
	t.Helper()
	_, transport := raft.NewInmemTransport("")
	n, err := NewNode(Config{
		NodeID:    id,
		Bootstrap: bootstrap,
		Transport: transport,
		LogOutput: io.Discard,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })
	return n, transport
}

func waitLeader(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := n.WaitForLeader(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, n.IsLeader, 5*time.Second, 20*time.Millisecond)
}

func TestSingleNodeAllocatesNonces(t *testing.T) {
	n, _ := newInmemNode(t, "hub-1", true)
	waitLeader(t, n)
	ctx := context.Background()

	_, ok, err := n.Highest(ctx, participants)
	require.NoError(t, err)
	assert.False(t, ok)

	for want := uint64(0); want < 3; want++ {
		got, err := n.NextNonce(ctx, participants)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.NoError(t, n.Observe(ctx, participants, 10))
	next, err := n.NextNonce(ctx, participants)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), next)

	assert.ErrorIs(t, n.Observe(ctx, participants, 5), channel.ErrInvalidNonce)

	highest, ok, err := n.Highest(ctx, participants)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(11), highest)
}

func TestFollowerReplicatesAndRejectsProposals(t *testing.T) {
	leader, lt := newInmemNode(t, "hub-1", true)
	follower, ft := newInmemNode(t, "hub-2", false)
	lt.Connect(ft.LocalAddr(), ft)
	ft.Connect(lt.LocalAddr(), lt)

	waitLeader(t, leader)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, leader.AddVoter(ctx, follower.ID(), follower.RaftAddr()))

	_, err := leader.NextNonce(ctx, participants)
	require.NoError(t, err)
	nonce, err := leader.NextNonce(ctx, participants)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	assert.Eventually(t, func() bool {
		n, ok, err := follower.Highest(ctx, participants)
		return err == nil && ok && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = follower.NextNonce(ctx, participants)
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewNode(Config{RaftAddr: "127.0.0.1:0", DataDir: t.TempDir()}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewNode(Config{NodeID: "n", DataDir: t.TempDir()}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewNode(Config{NodeID: "n", RaftAddr: "127.0.0.1:0"}, zerolog.Nop())
	assert.Error(t, err)
}
