package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcourtman/streamrelay/internal/models"
)

var trackedStates = []models.SessionState{
	models.StateIdle,
	models.StateStarting,
	models.StateRunning,
	models.StateStopping,
	models.StateFailed,
}

var (
	// Relay lifecycle metrics
	RelayState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamrelay_relay_state",
			Help: "1 for the relay's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	RelayStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrelay_relay_starts_total",
			Help: "Total number of relay start attempts by result",
		},
		[]string{"result"}, // success, configuration, process, already_running
	)

	RelayFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrelay_relay_failures_total",
			Help: "Total number of unexpected media server exits",
		},
	)

	RelayStopDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamrelay_relay_stop_duration_seconds",
			Help:    "Time taken to stop the media server",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"path"}, // graceful, forced
	)

	PlatformsEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamrelay_platforms_enabled",
			Help: "Number of platforms in the active relay session",
		},
	)

	// Status fan-out metrics
	StatusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamrelay_status_subscribers",
			Help: "Number of registered status event subscribers",
		},
	)

	StatusEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrelay_status_events_dropped_total",
			Help: "Status events dropped because a subscriber was not keeping up",
		},
	)
)

// SetRelayState marks state as the current relay state.
func SetRelayState(state models.SessionState) {
	for _, s := range trackedStates {
		v := 0.0
		if s == state {
			v = 1
		}
		RelayState.WithLabelValues(string(s)).Set(v)
	}
}

// RecordStart records the outcome of a start attempt
func RecordStart(result string, platforms int) {
	RelayStartsTotal.WithLabelValues(result).Inc()
	if result == "success" {
		PlatformsEnabled.Set(float64(platforms))
	}
}

// RecordFailure records an unexpected media server exit
func RecordFailure() {
	RelayFailuresTotal.Inc()
	PlatformsEnabled.Set(0)
}

// RecordStop records how long a stop took and whether it had to force.
func RecordStop(forced bool, elapsed time.Duration) {
	path := "graceful"
	if forced {
		path = "forced"
	}
	RelayStopDurationSeconds.WithLabelValues(path).Observe(elapsed.Seconds())
	PlatformsEnabled.Set(0)
}

func RecordSubscriberAdded() {
	StatusSubscribers.Inc()
}

func RecordSubscriberRemoved() {
	StatusSubscribers.Dec()
}

func RecordEventDropped() {
	StatusEventsDroppedTotal.Inc()
}
