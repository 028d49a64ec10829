// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PermissionDenials counts requests rejected by the capability table.
	PermissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetdiag",
		Name:      "permission_denials_total",
		Help:      "Requests denied by the role capability table.",
	}, []string{"resource", "action"})

	// DiagnosticExchanges counts message round trips per outcome.
	DiagnosticExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetdiag",
		Name:      "diagnostic_exchanges_total",
		Help:      "Diagnostic message exchanges by outcome.",
	}, []string{"outcome"})

	// SessionsStarted counts session starts per outcome (ok or degraded).
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetdiag",
		Name:      "sessions_started_total",
		Help:      "Diagnostic sessions started, including degraded fallbacks.",
	}, []string{"outcome"})

	// FeedbackSubmitted counts stored feedback entries by rating.
	FeedbackSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetdiag",
		Name:      "feedback_submitted_total",
		Help:      "Message feedback submissions by rating.",
	}, []string{"rating"})
)
