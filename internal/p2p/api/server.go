package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/raft"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/p2p/consensus"
)

// Cluster is the slice of consensus.Node the admin endpoints use.
type Cluster interface {
	ID() string
	RaftAddr() string
	State() string
	LeaderAddr() string
	LeaderNodeID() string
	IsLeader() bool
	Stats() map[string]string
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
	Highest(ctx context.Context, participants []common.Address) (uint64, bool, error)
}

var _ Cluster = (*consensus.Node)(nil)

// Server provides admin endpoints for the nonce cluster.
type Server struct {
	node Cluster
}

func NewServer(node Cluster) *Server {
	return &Server{node: node}
}

// Routes returns the cluster endpoints, meant to be mounted under /v1/cluster.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.raftStatus)
	r.Post("/join", s.raftJoin)
	r.Post("/remove", s.raftRemove)
	r.Get("/nonces", s.highestNonce)
	return r
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.node.ID(),
		"raft_addr":  s.node.RaftAddr(),
		"state":      s.node.State(),
		"leader":     s.node.LeaderAddr(),
		"leader_id":  s.node.LeaderNodeID(),
		"is_leader":  s.node.IsLeader(),
		"raft_stats": s.node.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.RemoveServer(r.Context(), req.NodeID); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

// highestNonce reads the local replica for ?participants=0x..,0x.. in channel order.
func (s *Server) highestNonce(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("participants"))
	if raw == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "participants is required", nil)
		return
	}
	var participants []common.Address
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if !common.IsHexAddress(part) {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid participant address "+part, nil)
			return
		}
		participants = append(participants, common.HexToAddress(part))
	}
	nonce, known, err := s.node.Highest(r.Context(), participants)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"participants_key": channel.ParticipantsKey(participants),
		"highest":          nonce,
		"known":            known,
	})
}

func (s *Server) notLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, "NOT_LEADER", message, map[string]any{
		"leader":    s.node.LeaderAddr(),
		"leader_id": s.node.LeaderNodeID(),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, consensus.ErrNotLeader) ||
		errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
