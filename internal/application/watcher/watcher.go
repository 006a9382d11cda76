package watcher

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
	"github.com/ledger-hub/ledger-hub/internal/domain/dispute"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/metrics"
)

// DepositHandler reacts to observed holdings.
type DepositHandler interface {
	OnDepositObserved(ctx context.Context, ev adjudicator.Deposited) error
}

// ExpiryHandler is told about challenges that timed out.
type ExpiryHandler func(dispute.Challenge)

const queueSize = 256

// Watcher subscribes to the adjudicator's combined event stream and routes
// events to the deposit service and the challenge registry. Challenge and
// block events are handled in publication order on one goroutine. Deposits
// go to a second goroutine so a top-up never stalls expiry detection.
type Watcher struct {
	chain      adjudicator.Chain
	deposits   DepositHandler
	challenges *dispute.Registry
	onExpired  ExpiryHandler
	metrics    *metrics.Hub
	logger     zerolog.Logger

	mu       sync.Mutex
	unsub    func()
	queue    chan adjudicator.Event
	topUps   chan adjudicator.Deposited
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(chain adjudicator.Chain, deposits DepositHandler, challenges *dispute.Registry, m *metrics.Hub, logger zerolog.Logger) *Watcher {
	return &Watcher{
		chain:      chain,
		deposits:   deposits,
		challenges: challenges,
		metrics:    m,
		logger:     logger.With().Str("service", "watcher").Logger(),
	}
}

// OnExpired registers a callback for expired challenges. Call before Start.
func (w *Watcher) OnExpired(fn ExpiryHandler) {
	w.onExpired = fn
}

// Start subscribes to the adjudicator. It is a no-op when already started.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.queue = make(chan adjudicator.Event, queueSize)
	w.topUps = make(chan adjudicator.Deposited, queueSize)
	queue, topUps := w.queue, w.topUps

	w.wg.Add(2)
	go w.loop(ctx, queue, topUps)
	go w.fundLoop(ctx, topUps)

	w.unsub = w.chain.Subscribe(adjudicator.EventAll, func(ev adjudicator.Event) {
		select {
		case queue <- ev:
		case <-ctx.Done():
		}
	})
	w.logger.Info().Msg("watching adjudicator")
}

// Stop releases the subscription and waits for both loops to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	unsub := w.unsub
	cancel := w.cancel
	w.unsub = nil
	w.cancel = nil
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, queue <-chan adjudicator.Event, topUps chan<- adjudicator.Deposited) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			if d, ok := ev.(adjudicator.Deposited); ok {
				select {
				case topUps <- d:
				case <-ctx.Done():
					return
				}
				continue
			}
			w.Handle(ctx, ev)
		}
	}
}

// fundLoop handles deposits in publication order.
func (w *Watcher) fundLoop(ctx context.Context, topUps <-chan adjudicator.Deposited) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-topUps:
			w.Handle(ctx, d)
		}
	}
}

// Handle applies one event. Exposed for webhook-fed deployments.
func (w *Watcher) Handle(ctx context.Context, ev adjudicator.Event) {
	switch e := ev.(type) {
	case adjudicator.Deposited:
		if w.deposits == nil {
			return
		}
		if err := w.deposits.OnDepositObserved(ctx, e); err != nil {
			w.logger.Error().Err(err).Str("channelId", e.ChannelID.Hex()).Msg("deposit handling failed")
		}
	case adjudicator.ChallengeCreated:
		w.challenges.Upsert(dispute.Challenge{
			ChannelID:      e.ChannelID,
			ChallengeState: e.ChallengeState,
			ExpiresAt:      e.ExpiresAt,
		})
		w.logger.Info().Str("channelId", e.ChannelID.Hex()).Uint64("expiresAt", e.ExpiresAt).Msg("challenge registered")
	case adjudicator.ChallengeCleared:
		if w.challenges.Clear(e.ChannelID) {
			w.logger.Info().Str("channelId", e.ChannelID.Hex()).Uint64("turnNum", e.Response.State.TurnNum).Msg("challenge cleared")
		}
	case adjudicator.Concluded:
		w.challenges.Clear(e.ChannelID)
	case adjudicator.BlockMined:
		for _, c := range w.challenges.ObserveBlock(e.Timestamp) {
			w.logger.Info().Str("channelId", c.ChannelID.Hex()).Uint64("timestamp", e.Timestamp).Msg("challenge expired")
			if w.onExpired != nil {
				w.onExpired(c)
			}
		}
	}
	w.metrics.SetChallenges(w.challenges.Len())
}
