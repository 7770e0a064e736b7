// Package metrics provides Prometheus instrumentation for the flip bot. It
// exposes a gauge for the chat connection state, counters for inbound lines,
// commands and challenge transitions, and gauges for overlay clients.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is the chat transport state: 0 disconnected,
	// 1 connecting, 2 joined.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flipper_connection_state",
		Help: "Chat connection state (0=disconnected, 1=connecting, 2=joined)",
	})

	// LinesTotal counts raw protocol lines, labeled by direction:
	// "received", "sent" or "dropped".
	LinesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flipper_lines_total",
		Help: "Total number of chat protocol lines",
	}, []string{"direction"})

	// CommandsTotal counts recognised chat commands, labeled by command and
	// whether the rate limiter let them through.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flipper_commands_total",
		Help: "Total number of flip commands seen in chat",
	}, []string{"command", "status"}) // status = "accepted", "limited"

	// ChallengesTotal counts challenge transitions: "started", "matched",
	// "expired", "rejected".
	ChallengesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flipper_challenges_total",
		Help: "Total number of challenge state transitions",
	}, []string{"transition"})

	// ChallengeWait records the time from challenge start to match.
	ChallengeWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flipper_challenge_wait_seconds",
		Help:    "Time from challenge start to an opponent joining",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60},
	})

	// ActiveChallenge is 1 while a challenge is open.
	ActiveChallenge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flipper_active_challenge",
		Help: "Whether a challenge is currently open",
	})

	// OverlayClients tracks connected overlay WebSocket clients.
	OverlayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flipper_overlay_clients",
		Help: "Current number of connected overlay clients",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		LinesTotal,
		CommandsTotal,
		ChallengesTotal,
		ChallengeWait,
		ActiveChallenge,
		OverlayClients,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
