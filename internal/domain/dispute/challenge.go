package dispute

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// Challenge is a live on-chain dispute over one channel.
type Challenge struct {
	ChannelID      common.Hash   `json:"channelId"`
	ChallengeState channel.State `json:"challengeState"`
	ExpiresAt      uint64        `json:"expiresAt"`
	Finalized      bool          `json:"finalized"`
}

// Expired reports whether a block at timestamp ts ends the response window.
func (c Challenge) Expired(ts uint64) bool {
	return c.ExpiresAt > 0 && ts >= c.ExpiresAt
}

// Registry holds at most one challenge per channel.
type Registry struct {
	mu         sync.RWMutex
	challenges map[common.Hash]Challenge
}

func NewRegistry() *Registry {
	return &Registry{challenges: make(map[common.Hash]Challenge)}
}

// Upsert stores c, replacing any challenge already recorded for the channel.
// It reports whether a new record was created.
func (r *Registry) Upsert(c Challenge) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.challenges[c.ChannelID]
	c.ChallengeState = c.ChallengeState.Clone()
	r.challenges[c.ChannelID] = c
	return !exists
}

func (r *Registry) Get(channelID common.Hash) (Challenge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.challenges[channelID]
	return c, ok
}

// Clear removes the channel's challenge after a response or conclusion.
func (r *Registry) Clear(channelID common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.challenges[channelID]; !ok {
		return false
	}
	delete(r.challenges, channelID)
	return true
}

// ObserveBlock finalizes every live challenge that expired at ts and returns them.
func (r *Registry) ObserveBlock(ts uint64) []Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Challenge
	for id, c := range r.challenges {
		if c.Finalized || !c.Expired(ts) {
			continue
		}
		c.Finalized = true
		r.challenges[id] = c
		expired = append(expired, c)
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ChannelID.Hex() < expired[j].ChannelID.Hex()
	})
	return expired
}

// Len returns the number of recorded challenges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.challenges)
}
