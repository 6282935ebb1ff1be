// Package metrics exposes Prometheus metrics for live sessions.
// Labels are bounded: provider, result, kind and outcome only.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectsTotal counts transport opens by provider and result.
	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_live_connects_total",
		Help: "Total number of transport opens, by provider and result (ok/auth_error/error).",
	}, []string{"provider", "result"})

	ReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_live_reconnect_attempts_total",
		Help: "Total number of reconnection attempts, by provider.",
	}, []string{"provider"})

	ReconnectOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_live_reconnect_outcomes_total",
		Help: "Total number of finished reconnection loops, by outcome.",
	}, []string{"outcome"})

	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_live_heartbeats_total",
		Help: "Total number of keepalive sends, by result.",
	}, []string{"result"})

	FragmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_live_fragments_total",
		Help: "Total number of inbound fragments accepted, by kind (answer/transcription).",
	}, []string{"kind"})

	TurnsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vai_live_turns_saved_total",
		Help: "Total number of conversation turns appended to history.",
	})

	// SessionState is 1 for the current session state and 0 for the others.
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vai_live_session_state",
		Help: "Current session state (1 for the active state).",
	}, []string{"state"})

	SinkDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_live_sink_dropped_total",
		Help: "Total number of events dropped by a sink, by sink.",
	}, []string{"sink"})
)

var states = []string{"idle", "initializing", "connected", "reconnecting", "closed", "error"}

func RecordConnect(provider, result string) {
	ConnectsTotal.WithLabelValues(provider, result).Inc()
}

func RecordReconnectAttempt(provider string) {
	ReconnectAttemptsTotal.WithLabelValues(provider).Inc()
}

func RecordReconnectOutcome(outcome string) {
	ReconnectOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordHeartbeat(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	HeartbeatsTotal.WithLabelValues(result).Inc()
}

func RecordFragment(kind string) {
	FragmentsTotal.WithLabelValues(kind).Inc()
}

func RecordTurnSaved() {
	TurnsSavedTotal.Inc()
}

func RecordSinkDropped(sink string, n int64) {
	if n <= 0 {
		return
	}
	SinkDroppedTotal.WithLabelValues(sink).Add(float64(n))
}

func SetState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
