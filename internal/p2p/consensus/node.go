package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/p2p/state"
)

// ErrNotLeader is returned when a nonce command is proposed on a follower.
var ErrNotLeader = errors.New("nonce allocator: not the raft leader")

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration

	// Transport overrides the TCP transport; stores are kept in memory when set.
	Transport raft.Transport
	// LogOutput receives raft's own logs. Defaults to stderr.
	LogOutput io.Writer
}

// Node replicates the nonce table through Raft and implements
// channel.NonceRegistry.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport raft.Transport
	closers   []io.Closer
	machine   *state.Machine
	logger    zerolog.Logger
}

var _ channel.NonceRegistry = (*Node)(nil)

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.Transport != nil {
		c.RaftAddr = string(c.Transport.LocalAddr())
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" && c.Transport == nil {
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	return c, nil
}

// NewNode creates a Raft node.
func NewNode(cfg Config, logger zerolog.Logger) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}

	machine := state.NewMachine()
	fsm := &fsm{machine: machine}

	var (
		logStore      raft.LogStore
		stableStore   raft.StableStore
		snapshotStore raft.SnapshotStore
		transport     raft.Transport
		closers       []io.Closer
	)
	if cfg.Transport != nil {
		mem := raft.NewInmemStore()
		logStore, stableStore = mem, mem
		snapshotStore = raft.NewInmemSnapshotStore()
		transport = cfg.Transport
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		logs, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
		if err != nil {
			return nil, err
		}
		stable, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
		closers = append(closers, logs, stable)
		logStore, stableStore = logs, stable
		snapshotStore, err = raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, cfg.LogOutput)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		tcp, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, cfg.LogOutput)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		transport = tcp
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = cfg.LogOutput
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		closeAll(closers)
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		applyTimeout: cfg.ApplyTimeout,
		raft:         r,
		transport:    transport,
		closers:      closers,
		machine:      machine,
		logger:       logger.With().Str("service", "nonce-raft").Str("nodeId", cfg.NodeID).Logger(),
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return nil, err
		}
		if !hasState {
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: raft.ServerAddress(cfg.RaftAddr),
			}}})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, err
			}
		}
	}

	return n, nil
}

// NextNonce reserves the next nonce for the participant set.
func (n *Node) NextNonce(ctx context.Context, participants []common.Address) (uint64, error) {
	return n.propose(ctx, state.NonceCommand{
		CommandID:       uuid.NewString(),
		Op:              state.OpReserve,
		ParticipantsKey: channel.ParticipantsKey(participants),
	})
}

// Observe records a nonce seen on an incoming channel.
func (n *Node) Observe(ctx context.Context, participants []common.Address, nonce uint64) error {
	_, err := n.propose(ctx, state.NonceCommand{
		CommandID:       uuid.NewString(),
		Op:              state.OpObserve,
		ParticipantsKey: channel.ParticipantsKey(participants),
		Nonce:           nonce,
	})
	return err
}

// Highest reads the local replica, which may trail the leader.
func (n *Node) Highest(ctx context.Context, participants []common.Address) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	nonce, ok := n.machine.Highest(channel.ParticipantsKey(participants))
	return nonce, ok, nil
}

func (n *Node) propose(ctx context.Context, cmd state.NonceCommand) (uint64, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return 0, fmt.Errorf("%w (leader %s)", ErrNotLeader, n.LeaderAddr())
		}
		return 0, err
	}
	switch res := future.Response().(type) {
	case error:
		return 0, res
	case uint64:
		n.logger.Debug().Str("op", string(cmd.Op)).Uint64("nonce", res).Msg("nonce command applied")
		return res, nil
	default:
		return 0, fmt.Errorf("unexpected fsm response %T", res)
	}
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, n.raftTimeout(ctx)).Error(); err != nil {
				return err
			}
		}
	}
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, n.raftTimeout(ctx)).Error()
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, n.raftTimeout(ctx)).Error()
}

func (n *Node) raftTimeout(ctx context.Context) time.Duration {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string         { return n.id }
func (n *Node) RaftAddr() string   { return n.raftAddr }
func (n *Node) IsLeader() bool     { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string { return strings.TrimSpace(string(n.raft.Leader())) }

func (n *Node) LeaderNodeID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

func (n *Node) State() string {
	return n.raft.State().String()
}

// Stats returns raft's own counters.
func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// Shutdown stops Raft and releases its transport and stores.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if c, ok := n.transport.(io.Closer); ok {
		_ = c.Close()
	}
	closeAll(n.closers)
	return shutdownErr
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

// fsm wires raft log entries into the nonce table.
type fsm struct {
	machine *state.Machine
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd state.NonceCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("decode nonce command: %w", err)
	}
	nonce, err := f.machine.Apply(cmd)
	if err != nil {
		return err
	}
	return nonce
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.machine.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
