package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// Op names a replicated nonce command.
type Op string

const (
	// OpReserve allocates highest+1 (or 0) for a participant set.
	OpReserve Op = "RESERVE"
	// OpObserve records a nonce seen on an incoming channel.
	OpObserve Op = "OBSERVE"
)

// NonceCommand is one raft log entry.
type NonceCommand struct {
	CommandID       string `json:"commandId"`
	Op              Op     `json:"op"`
	ParticipantsKey string `json:"participantsKey"`
	Nonce           uint64 `json:"nonce,omitempty"`
}

func (c NonceCommand) Validate() error {
	if strings.TrimSpace(c.CommandID) == "" {
		return errors.New("commandId is required")
	}
	if strings.TrimSpace(c.ParticipantsKey) == "" {
		return errors.New("participantsKey is required")
	}
	switch c.Op {
	case OpReserve, OpObserve:
		return nil
	default:
		return fmt.Errorf("unsupported op: %s", c.Op)
	}
}

type snapshot struct {
	Highest map[string]uint64 `json:"highest"`
	Applied map[string]uint64 `json:"applied"`
}

// Machine is the deterministic nonce table replicated by raft.
type Machine struct {
	mu sync.RWMutex
	s  snapshot
}

func NewMachine() *Machine {
	m := &Machine{}
	m.s = emptySnapshot()
	return m
}

func emptySnapshot() snapshot {
	return snapshot{
		Highest: map[string]uint64{},
		Applied: map[string]uint64{},
	}
}

// Apply executes cmd and returns the resulting nonce. Re-applying a command id
// returns the first result without changing state.
func (m *Machine) Apply(cmd NonceCommand) (uint64, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.s.Applied[cmd.CommandID]; ok {
		return n, nil
	}

	cur, seen := m.s.Highest[cmd.ParticipantsKey]
	var result uint64
	switch cmd.Op {
	case OpReserve:
		if seen {
			result = cur + 1
		}
	case OpObserve:
		if seen && cmd.Nonce < cur {
			return 0, fmt.Errorf("%w: %d below %d", channel.ErrInvalidNonce, cmd.Nonce, cur)
		}
		result = cmd.Nonce
	}
	m.s.Highest[cmd.ParticipantsKey] = result
	m.s.Applied[cmd.CommandID] = result
	return result, nil
}

// Highest returns the highest nonce recorded for the key.
func (m *Machine) Highest(participantsKey string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.s.Highest[participantsKey]
	return n, ok
}

// Marshal serializes current machine snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.s)
}

// Unmarshal restores machine state from snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Highest == nil {
		s.Highest = map[string]uint64{}
	}
	if s.Applied == nil {
		s.Applied = map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}
