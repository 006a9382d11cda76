package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ledger-hub/ledger-hub/internal/application/ledger"
	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/sse"
	"github.com/ledger-hub/ledger-hub/internal/p2p/protocol"
)

// Relay handles inbound protocol messages and channel lookups.
type Relay interface {
	HandleMessage(ctx context.Context, msg protocol.Message) ([]protocol.Message, error)
	Channel(ctx context.Context, channelID common.Hash) (*ledger.ChannelView, error)
}

// DepositObserver receives deposit events pushed by a chain watcher.
type DepositObserver interface {
	OnDepositObserved(ctx context.Context, ev adjudicator.Deposited) error
}

// Options tunes the router.
type Options struct {
	RateLimit float64
	RateBurst int
	Gatherer  prometheus.Gatherer
	// Cluster is mounted under /v1/cluster when the nonce cluster is enabled.
	Cluster http.Handler
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	relay    Relay
	deposits DepositObserver
	sseHub   *sse.Hub
	limiter  *ipRateLimiter
	gatherer prometheus.Gatherer
	cluster  http.Handler
	logger   zerolog.Logger
}

func NewServer(relay Relay, deposits DepositObserver, sseHub *sse.Hub, opts Options, logger zerolog.Logger) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		relay:    relay,
		deposits: deposits,
		sseHub:   sseHub,
		limiter:  newIPRateLimiter(opts.RateLimit, opts.RateBurst),
		gatherer: gatherer,
		cluster:  opts.Cluster,
		logger:   logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		// Streams outlive any request timeout.
		r.Get("/stream", s.stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.With(s.rateLimit).Post("/messages", s.postMessage)
			r.Get("/channels/{channelId}", s.getChannel)
			r.Post("/chain/deposits", s.postDeposit)
			if s.cluster != nil {
				r.Mount("/cluster", s.cluster)
			}
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps protocol and service errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	if code, ok := channel.CodeFor(err); ok {
		respondError(w, statusForCode(code), string(code), err.Error())
		return
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidMessage), errors.Is(err, ledger.ErrEmptyRound):
		respondError(w, http.StatusBadRequest, "INVALID_MESSAGE", err.Error())
	case errors.Is(err, ledger.ErrNotParticipant):
		respondError(w, http.StatusUnprocessableEntity, "NOT_PARTICIPANT", err.Error())
	case errors.Is(err, channel.ErrStaleWrite):
		respondError(w, http.StatusConflict, "STALE_WRITE", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusServiceUnavailable, "TIMEOUT", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func statusForCode(code channel.Code) int {
	switch code {
	case channel.CodeChannelMissing, channel.CodeProcessMissing:
		return http.StatusNotFound
	case channel.CodeChannelExists, channel.CodeNotOurTurn:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
