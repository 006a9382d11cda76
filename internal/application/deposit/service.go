package deposit

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/metrics"
)

type levelKey struct {
	channelID   common.Hash
	assetHolder common.Address
	holdings    string
}

// Service tops up the hub's share of a channel once the other participants
// have deposited theirs.
type Service struct {
	channels channel.Repository
	funder   Funder
	hub      common.Address
	policy   *Policy
	metrics  *metrics.Hub
	logger   zerolog.Logger

	mu        sync.Mutex
	attempted map[levelKey]struct{}

	holdingsMu sync.Mutex
}

// NewService creates a deposit service. policy and m may be nil.
func NewService(channels channel.Repository, funder Funder, hub common.Address, policy *Policy, m *metrics.Hub, logger zerolog.Logger) *Service {
	return &Service{
		channels:  channels,
		funder:    funder,
		hub:       hub,
		policy:    policy,
		metrics:   m,
		logger:    logger.With().Str("service", "deposit").Logger(),
		attempted: make(map[levelKey]struct{}),
	}
}

// OnDepositObserved records holdings and, when only the hub's share is
// missing, funds exactly the shortfall. Each observed level triggers at most
// one successful top-up. Stored holdings never decrease: a stale or lower
// report is evaluated against the highest level seen so far.
func (s *Service) OnDepositObserved(ctx context.Context, ev adjudicator.Deposited) error {
	holdings, err := s.recordHoldings(ctx, ev)
	if err != nil {
		return err
	}

	latest, err := s.channels.LatestState(ctx, ev.ChannelID)
	if err != nil {
		return fmt.Errorf("load latest state: %w", err)
	}
	log := s.logger.With().Str("channelId", ev.ChannelID.Hex()).Str("holdings", holdings.String()).Logger()
	if latest == nil {
		s.metrics.Skipped("unknown_channel")
		log.Debug().Msg("deposit for unknown channel")
		return nil
	}

	totals := latest.State.Outcome.TotalsByAsset()
	total, ok := totals[ev.AssetHolder]
	if !ok {
		s.metrics.Skipped("unknown_asset")
		return nil
	}
	share := latest.State.Outcome.AmountFor(ev.AssetHolder, channel.AddressDestination(s.hub))
	if holdings.Cmp(total) >= 0 {
		s.metrics.Skipped("funded")
		log.Debug().Msg("channel fully funded")
		return nil
	}
	if share.Sign() == 0 {
		s.metrics.Skipped("no_hub_share")
		return nil
	}
	threshold := new(big.Int).Sub(total, share)
	if holdings.Cmp(threshold) < 0 {
		s.metrics.Skipped("waiting_for_others")
		log.Debug().Str("threshold", threshold.String()).Msg("waiting for other participants")
		return nil
	}
	shortfall := new(big.Int).Sub(total, holdings)

	allowed, err := s.policy.Allows(PolicyInput{
		Shortfall:    shortfall,
		Holdings:     holdings,
		Total:        total,
		Participants: latest.State.Channel.NumParticipants(),
	})
	if err != nil {
		return fmt.Errorf("evaluate funding policy: %w", err)
	}
	if !allowed {
		s.metrics.Skipped("policy")
		log.Warn().Str("shortfall", shortfall.String()).Str("policy", s.policy.String()).Msg("funding policy rejected top-up")
		return nil
	}

	key := levelKey{ev.ChannelID, ev.AssetHolder, holdings.String()}
	if !s.claim(key) {
		s.metrics.Skipped("duplicate")
		return nil
	}

	newHoldings, err := s.funder.Fund(ctx, ev.ChannelID, ev.AssetHolder, holdings, shortfall)
	if err != nil {
		s.release(key)
		return fmt.Errorf("fund channel: %w", err)
	}
	s.metrics.Deposited()
	log.Info().Str("shortfall", shortfall.String()).Str("newHoldings", newHoldings.String()).Msg("hub topped up channel")
	if err := s.channels.UpdateHoldings(ctx, ev.ChannelID, ev.AssetHolder, newHoldings); err != nil {
		return fmt.Errorf("update holdings: %w", err)
	}
	return nil
}

// recordHoldings stores the reported holdings unless a higher level is
// already known, and returns the level in effect.
func (s *Service) recordHoldings(ctx context.Context, ev adjudicator.Deposited) (*big.Int, error) {
	reported := ev.DestinationHoldings
	if reported == nil {
		reported = new(big.Int)
	}
	s.holdingsMu.Lock()
	defer s.holdingsMu.Unlock()
	stored, err := s.channels.Holdings(ctx, ev.ChannelID, ev.AssetHolder)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}
	if stored != nil && stored.Cmp(reported) > 0 {
		s.metrics.Skipped("stale_holdings")
		s.logger.Debug().
			Str("channelId", ev.ChannelID.Hex()).
			Str("reported", reported.String()).
			Str("stored", stored.String()).
			Msg("ignoring lower holdings report")
		return stored, nil
	}
	if err := s.channels.UpdateHoldings(ctx, ev.ChannelID, ev.AssetHolder, reported); err != nil {
		return nil, fmt.Errorf("update holdings: %w", err)
	}
	return reported, nil
}

func (s *Service) claim(key levelKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempted[key]; ok {
		return false
	}
	s.attempted[key] = struct{}{}
	return true
}

func (s *Service) release(key levelKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempted, key)
}
