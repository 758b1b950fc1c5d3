// Package metrics exposes prometheus instrumentation for the core.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recbridge_commands_total",
		Help: "Commands handled by the bridge by command and result code",
	}, []string{"command", "result"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recbridge_deliveries_total",
		Help: "Notification delivery attempts by kind and result",
	}, []string{"kind", "result"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recbridge_delivery_retries_total",
		Help: "Delayed re-deliveries fired from a retry burst",
	})

	retriesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recbridge_delivery_retries_dropped_total",
		Help: "Pending re-deliveries cancelled because the observer detached or a newer value superseded them",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recbridge_artifact_verifications_total",
		Help: "Artifact verifications after stop by result",
	}, []string{"result"})

	observerAttached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recbridge_observer_attached",
		Help: "1 while an observer is attached to the bridge",
	})

	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recbridge_session_state",
		Help: "1 for the current session state, 0 for all others",
	}, []string{"state"})
)

// Delivery results.
const (
	ResultOK         = "ok"
	ResultFailed     = "failed"
	ResultNoObserver = "no_observer"
)

var knownStates = []string{"idle", "recording", "paused", "completed", "error"}

// IncCommand records a handled command. code is the wire result code.
func IncCommand(command, code string) {
	commandsTotal.WithLabelValues(normalizeCommand(command), strings.ToLower(code)).Inc()
}

// IncDelivery records one attempt to hand a notification to the observer.
func IncDelivery(kind, result string) {
	deliveriesTotal.WithLabelValues(kind, result).Inc()
}

// IncRetry records a fired re-delivery.
func IncRetry() { retriesTotal.Inc() }

// IncRetryDropped records cancelled re-deliveries.
func IncRetryDropped(n int) {
	if n > 0 {
		retriesDroppedTotal.Add(float64(n))
	}
}

// IncVerification records an artifact verification outcome.
func IncVerification(ok bool) {
	if ok {
		verificationsTotal.WithLabelValues("ok").Inc()
		return
	}
	verificationsTotal.WithLabelValues("failed").Inc()
}

// SetObserverAttached flips the attachment gauge.
func SetObserverAttached(attached bool) {
	if attached {
		observerAttached.Set(1)
		return
	}
	observerAttached.Set(0)
}

// SetSessionState marks state as current.
func SetSessionState(state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

func normalizeCommand(command string) string {
	switch command {
	case "start", "pause", "resume", "stop", "force-stop", "get-status", "get-output-file-path":
		return command
	default:
		return "unknown"
	}
}
