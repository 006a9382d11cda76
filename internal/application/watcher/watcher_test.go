package watcher

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator/mocks"
	"github.com/ledger-hub/ledger-hub/internal/domain/dispute"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/metrics"
)

type recordingDeposits struct {
	mu     sync.Mutex
	events []adjudicator.Deposited
}

func (r *recordingDeposits) OnDepositObserved(ctx context.Context, ev adjudicator.Deposited) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingDeposits) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestStartSubscribesAndStopReleases(t *testing.T) {
	ctrl := gomock.NewController(t)
	chain := mocks.NewMockChain(ctrl)

	var handler adjudicator.Handler
	var released int32
	chain.EXPECT().
		Subscribe(adjudicator.EventAll, gomock.Any()).
		DoAndReturn(func(name adjudicator.EventName, h adjudicator.Handler) func() {
			handler = h
			return func() { atomic.AddInt32(&released, 1) }
		}).
		Times(1)

	deposits := &recordingDeposits{}
	w := New(chain, deposits, dispute.NewRegistry(), nil, zerolog.Nop())
	w.Start(context.Background())
	w.Start(context.Background())
	require.NotNil(t, handler)

	handler(adjudicator.Deposited{
		ChannelID:           common.HexToHash("0x01"),
		DestinationHoldings: big.NewInt(4),
	})
	assert.Eventually(t, func() bool { return deposits.count() == 1 }, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&released))
}

// blockingDeposits parks every top-up until released.
type blockingDeposits struct {
	release chan struct{}
	calls   int32
}

func (b *blockingDeposits) OnDepositObserved(ctx context.Context, ev adjudicator.Deposited) error {
	atomic.AddInt32(&b.calls, 1)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestExpiryIsNotDelayedBySlowTopUp(t *testing.T) {
	ctrl := gomock.NewController(t)
	chain := mocks.NewMockChain(ctrl)
	var handler adjudicator.Handler
	chain.EXPECT().
		Subscribe(adjudicator.EventAll, gomock.Any()).
		DoAndReturn(func(name adjudicator.EventName, h adjudicator.Handler) func() {
			handler = h
			return func() {}
		})

	deposits := &blockingDeposits{release: make(chan struct{})}
	challenges := dispute.NewRegistry()
	w := New(chain, deposits, challenges, nil, zerolog.Nop())
	expired := make(chan dispute.Challenge, 1)
	w.OnExpired(func(c dispute.Challenge) { expired <- c })
	w.Start(context.Background())
	defer w.Stop()
	defer close(deposits.release)

	id := common.HexToHash("0x0c")
	handler(adjudicator.Deposited{ChannelID: id, DestinationHoldings: big.NewInt(1)})
	handler(adjudicator.ChallengeCreated{ChannelID: id, ExpiresAt: 10})
	handler(adjudicator.BlockMined{Number: 1, Timestamp: 10})

	select {
	case c := <-expired:
		assert.Equal(t, id, c.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("expiry waited for the top-up")
	}
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&deposits.calls) == 1 }, time.Second, 5*time.Millisecond)
}

func TestChallengeLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	challenges := dispute.NewRegistry()
	w := New(nil, nil, challenges, m, zerolog.Nop())

	var expired []dispute.Challenge
	w.OnExpired(func(c dispute.Challenge) { expired = append(expired, c) })

	ctx := context.Background()
	a, b := common.HexToHash("0x0a"), common.HexToHash("0x0b")
	w.Handle(ctx, adjudicator.ChallengeCreated{ChannelID: a, ExpiresAt: 100})
	w.Handle(ctx, adjudicator.ChallengeCreated{ChannelID: b, ExpiresAt: 200})
	assert.Equal(t, 2, challenges.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ChallengesLive))

	w.Handle(ctx, adjudicator.BlockMined{Number: 1, Timestamp: 150})
	require.Len(t, expired, 1)
	assert.Equal(t, a, expired[0].ChannelID)

	// Already finalized challenges are not reported twice.
	w.Handle(ctx, adjudicator.BlockMined{Number: 2, Timestamp: 160})
	assert.Len(t, expired, 1)

	w.Handle(ctx, adjudicator.ChallengeCleared{ChannelID: b})
	w.Handle(ctx, adjudicator.Concluded{ChannelID: a})
	assert.Equal(t, 0, challenges.Len())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ChallengesLive))

	w.Handle(ctx, adjudicator.BlockMined{Number: 3, Timestamp: 500})
	assert.Len(t, expired, 1)
}
