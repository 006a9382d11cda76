package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidNonce is returned when a recorded nonce would move backwards.
var ErrInvalidNonce = errors.New("invalid nonce")

// NonceRegistry tracks the highest channel nonce per participant set.
type NonceRegistry interface {
	// NextNonce reserves and returns highest+1 (0 for an unseen set).
	NextNonce(ctx context.Context, participants []common.Address) (uint64, error)
	// Observe records a nonce seen on an incoming channel.
	Observe(ctx context.Context, participants []common.Address, nonce uint64) error
	// Highest returns the highest nonce recorded, if any.
	Highest(ctx context.Context, participants []common.Address) (uint64, bool, error)
}

// MemoryNonceRegistry is a process-local, best-effort NonceRegistry.
type MemoryNonceRegistry struct {
	mu     sync.Mutex
	nonces map[string]uint64
}

func NewMemoryNonceRegistry() *MemoryNonceRegistry {
	return &MemoryNonceRegistry{nonces: make(map[string]uint64)}
}

func (r *MemoryNonceRegistry) NextNonce(ctx context.Context, participants []common.Address) (uint64, error) {
	_ = ctx
	key := ParticipantsKey(participants)
	r.mu.Lock()
	defer r.mu.Unlock()
	next := uint64(0)
	if cur, ok := r.nonces[key]; ok {
		next = cur + 1
	}
	r.nonces[key] = next
	return next, nil
}

func (r *MemoryNonceRegistry) Observe(ctx context.Context, participants []common.Address, nonce uint64) error {
	_ = ctx
	key := ParticipantsKey(participants)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.nonces[key]; ok && nonce < cur {
		return ErrInvalidNonce
	}
	r.nonces[key] = nonce
	return nil
}

func (r *MemoryNonceRegistry) Highest(ctx context.Context, participants []common.Address) (uint64, bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.nonces[ParticipantsKey(participants)]
	return cur, ok, nil
}
