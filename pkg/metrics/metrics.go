package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoomsActive tracks live race rooms in this process.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sokudo_rooms_active",
		Help: "Number of live race rooms.",
	})

	// SessionsConnected tracks open websocket sessions.
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sokudo_sessions_connected",
		Help: "Number of connected websocket sessions.",
	})

	// RacesTerminal counts terminal transitions by final status.
	RacesTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sokudo_races_terminal_total",
		Help: "Races that reached a terminal state.",
	}, []string{"status"})

	// FramesDropped counts outbound frames dropped by slow consumers.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sokudo_ws_frames_dropped_total",
		Help: "Outbound frames dropped due to a full send queue.",
	})

	// FinalizeRetries counts persistence retry attempts at race finalization.
	FinalizeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sokudo_finalize_retries_total",
		Help: "Retried finalizeRace persistence attempts.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
