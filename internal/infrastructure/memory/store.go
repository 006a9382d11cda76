package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/domain/process"
)

type holdingKey struct {
	channelID   common.Hash
	assetHolder common.Address
}

// Store is an in-process channel and process repository guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	channels  map[common.Hash]*channel.Record
	states    map[common.Hash][]channel.StateRecord
	holdings  map[holdingKey]*big.Int
	processes map[string]*process.Process
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		channels:  make(map[common.Hash]*channel.Record),
		states:    make(map[common.Hash][]channel.StateRecord),
		holdings:  make(map[holdingKey]*big.Int),
		processes: make(map[string]*process.Process),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) FindChannel(ctx context.Context, channelID common.Hash) (*channel.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.channels[channelID]
	if !ok {
		return nil, nil
	}
	out := *rec
	out.Channel = rec.Channel.Clone()
	return &out, nil
}

func (s *Store) LatestState(ctx context.Context, channelID common.Hash) (*channel.SignedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := s.states[channelID]
	if len(states) == 0 {
		return nil, nil
	}
	latest := cloneSigned(states[len(states)-1].SignedState)
	return &latest, nil
}

func (s *Store) ListStates(ctx context.Context, channelID common.Hash) ([]channel.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := s.states[channelID]
	out := make([]channel.StateRecord, len(states))
	for i, rec := range states {
		out[i] = rec
		out[i].SignedState = cloneSigned(rec.SignedState)
	}
	return out, nil
}

func (s *Store) UpsertChannelWithStates(ctx context.Context, ch channel.Channel, states []channel.SignedState, holdings []channel.Holding) (*channel.Record, error) {
	channelID := ch.ID()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.states[channelID]
	if len(states) > 0 {
		want := uint64(0)
		if len(existing) > 0 {
			want = existing[len(existing)-1].TurnNum + 1
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

	rec, ok := s.channels[channelID]
	if !ok {
		rec = &channel.Record{
			RecordID:  uuid.New(),
			ChannelID: channelID,
			Channel:   ch.Clone(),
			CreatedAt: now,
		}
		s.channels[channelID] = rec
	}
	rec.UpdatedAt = now

	for _, ss := range states {
		existing = append(existing, channel.StateRecord{
			RecordID:    uuid.New(),
			ChannelID:   channelID,
			TurnNum:     ss.State.TurnNum,
			SignedState: cloneSigned(ss),
			CreatedAt:   now,
		})
	}
	s.states[channelID] = existing

	for _, h := range holdings {
		s.holdings[holdingKey{channelID, h.AssetHolder}] = new(big.Int).Set(h.Amount)
	}

	out := *rec
	return &out, nil
}

func (s *Store) UpdateHoldings(ctx context.Context, channelID common.Hash, assetHolder common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdings[holdingKey{channelID, assetHolder}] = new(big.Int).Set(amount)
	return nil
}

func (s *Store) Holdings(ctx context.Context, channelID common.Hash, assetHolder common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.holdings[holdingKey{channelID, assetHolder}]; ok {
		return new(big.Int).Set(h), nil
	}
	return new(big.Int), nil
}

func (s *Store) FindProcess(ctx context.Context, processID string) (*process.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[processID]
	if !ok {
		return nil, nil
	}
	out := *p
	return &out, nil
}

func (s *Store) CreateProcess(ctx context.Context, processID string, counterparty common.Address, protocol process.ProtocolTag) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[processID]
	if !ok {
		p = &process.Process{ProcessID: processID, Counterparty: counterparty, Protocol: protocol, CreatedAt: s.now()}
		s.processes[processID] = p
	}
	out := *p
	return &out, nil
}

func cloneSigned(ss channel.SignedState) channel.SignedState {
	return channel.SignedState{
		State:     ss.State.Clone(),
		Signature: append([]byte(nil), ss.Signature...),
	}
}
