package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Hub holds the hub's prometheus collectors. A nil *Hub records nothing.
type Hub struct {
	RoundsCountersigned prometheus.Counter
	RoundsRejected      *prometheus.CounterVec
	MessagesRelayed     *prometheus.CounterVec
	DepositsSubmitted   prometheus.Counter
	DepositsSkipped     *prometheus.CounterVec
	ChallengesLive      prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Hub {
	h := &Hub{
		RoundsCountersigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger_hub",
			Name:      "rounds_countersigned_total",
			Help:      "Rounds of signed states the hub countersigned.",
		}),
		RoundsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger_hub",
			Name:      "rounds_rejected_total",
			Help:      "Rounds rejected, by protocol error code.",
		}, []string{"code"}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger_hub",
			Name:      "messages_relayed_total",
			Help:      "Outbound relay messages, by message type.",
		}, []string{"type"}),
		DepositsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger_hub",
			Name:      "deposits_submitted_total",
			Help:      "Hub top-up deposits submitted to the adjudicator.",
		}),
		DepositsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger_hub",
			Name:      "deposits_skipped_total",
			Help:      "Observed deposits that did not lead to a top-up, by reason.",
		}, []string{"reason"}),
		ChallengesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger_hub",
			Name:      "challenges_live",
			Help:      "Challenges registered and not yet finalized or cleared.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			h.RoundsCountersigned,
			h.RoundsRejected,
			h.MessagesRelayed,
			h.DepositsSubmitted,
			h.DepositsSkipped,
			h.ChallengesLive,
		)
	}
	return h
}

func (h *Hub) Countersigned() {
	if h != nil {
		h.RoundsCountersigned.Inc()
	}
}

func (h *Hub) Rejected(code string) {
	if h != nil {
		h.RoundsRejected.WithLabelValues(code).Inc()
	}
}

func (h *Hub) Relayed(msgType string) {
	if h != nil {
		h.MessagesRelayed.WithLabelValues(msgType).Inc()
	}
}

func (h *Hub) Deposited() {
	if h != nil {
		h.DepositsSubmitted.Inc()
	}
}

func (h *Hub) Skipped(reason string) {
	if h != nil {
		h.DepositsSkipped.WithLabelValues(reason).Inc()
	}
}

func (h *Hub) SetChallenges(n int) {
	if h != nil {
		h.ChallengesLive.Set(float64(n))
	}
}
