package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultEndpoint is where metrics are served when the config leaves it unset.
	DefaultEndpoint = "0.0.0.0:9090"

	readHeaderTimeout = 2 * time.Second
)

var (
	BusScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmbus_bus_scans_total",
			Help: "A counter metric to measure bus scans by resulting bus state.",
		},
		[]string{"state"},
	)

	BusScanDuration = promauto.NewSummary(
		prometheus.SummaryOpts{
			Name: "vmbus_bus_scan_duration_seconds",
			Help: "A summary metric to measure the time spent traversing a bus component.",
		},
	)

	BusDevices = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmbus_bus_devices",
			Help: "The number of devices on the bus of a computer.",
		},
		[]string{"computer"},
	)

	RunState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmbus_run_state",
			Help: "The run state ordinal of a computer's machine.",
		},
		[]string{"computer"},
	)

	MountAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmbus_mount_attempts_total",
			Help: "A counter metric to measure device mount attempts by result.",
		},
		[]string{"category", "result"},
	)

	EnergyStored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmbus_energy_stored",
			Help: "The energy currently stored in a computer's pool.",
		},
		[]string{"computer"},
	)

	ThrottledTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmbus_throttled_ticks_total",
			Help: "A counter metric to measure machine ticks skipped for lack of energy.",
		},
		[]string{"computer"},
	)

	TickDuration = promauto.NewSummary(
		prometheus.SummaryOpts{
			Name: "vmbus_world_tick_duration_seconds",
			Help: "A summary metric to measure the time spent in one world tick.",
		},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmbus_publish_errors_total",
			Help: "A counter metric to measure failed observer notifications.",
		},
		[]string{"publisher"},
	)
)

// ListenAndServe exposes prometheus metrics as /metrics on endpoint.
func ListenAndServe(endpoint string) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              endpoint,
			ReadHeaderTimeout: readHeaderTimeout,
		}

		if err := server.ListenAndServe(); err != nil {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}()
}
