package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/sse"
	"github.com/ledger-hub/ledger-hub/internal/p2p/protocol"
)

type messagesResponse struct {
	Messages []protocol.Message `json:"messages"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Message
	if err := decodeBody(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	replies, err := s.relay.HandleMessage(r.Context(), msg)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if s.sseHub != nil {
		s.sseHub.PublishAll(replies)
	}
	if replies == nil {
		replies = []protocol.Message{}
	}
	respondJSON(w, http.StatusOK, messagesResponse{Messages: replies})
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "channelId")
	id, ok := parseHash(raw)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "channelId must be a 32-byte hex hash")
		return
	}
	view, err := s.relay.Channel(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if view == nil {
		respondError(w, http.StatusNotFound, "CHANNEL_MISSING", "channel not found")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) postDeposit(w http.ResponseWriter, r *http.Request) {
	var ev adjudicator.Deposited
	if err := decodeBody(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if ev.ChannelID == (common.Hash{}) || ev.DestinationHoldings == nil || ev.DestinationHoldings.Sign() < 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "channelId and non-negative destinationHoldings are required")
		return
	}
	if err := s.deposits.OnDepositObserved(r.Context(), ev); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("address")
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "address required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	client := sse.NewClient(common.HexToAddress(raw))
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ClientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.Messages:
			if !open {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error().Err(err).Msg("encode stream message")
				continue
			}
			_, _ = w.Write([]byte("id: " + msg.MessageID.String() + "\n"))
			_, _ = w.Write([]byte("event: " + string(msg.Type) + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func parseHash(raw string) (common.Hash, bool) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(trimmed) != 2*common.HashLength {
		return common.Hash{}, false
	}
	for _, c := range trimmed {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return common.Hash{}, false
		}
	}
	return common.HexToHash(trimmed), true
}
