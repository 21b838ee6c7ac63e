// Package instrument exports Prometheus metrics for relays and hosts.
package instrument

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheusHen/poqr/poqr/cell"
)

var (
	cellsIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poqr_cells_received_total",
			Help: "Number of well-formed cells received, by command",
		},
		[]string{"command"},
	)
	cellsOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poqr_cells_sent_total",
			Help: "Number of cells queued for sending, by command",
		},
		[]string{"command"},
	)
	cellsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poqr_cells_dropped_total",
			Help: "Number of cells dropped, by reason",
		},
		[]string{"reason"},
	)
	badCells = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poqr_malformed_cells_total",
			Help: "Number of cells that failed to decode",
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poqr_layer_auth_failures_total",
			Help: "Number of onion layers that failed authentication",
		},
	)
	decapFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poqr_decapsulation_failures_total",
			Help: "Number of CREATE handshakes that failed to decapsulate",
		},
	)
	links = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poqr_links",
			Help: "Number of open links",
		},
	)
	circuits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poqr_circuits",
			Help: "Number of live circuits",
		},
	)
	circuitsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poqr_circuits_destroyed_total",
			Help: "Number of circuits torn down, by reason",
		},
		[]string{"reason"},
	)
	buildSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poqr_circuit_build_seconds",
			Help:    "Time to build a circuit",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
	buildFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poqr_circuit_build_failures_total",
			Help: "Number of circuit builds that failed",
		},
	)
)

var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
)

func register() {
	registerOnce.Do(func() {
		registry.MustRegister(
			cellsIn, cellsOut, cellsDropped, badCells, authFailures, decapFailures,
			links, circuits, circuitsDestroyed, buildSeconds, buildFailures,
		)
	})
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Init exposes /metrics on addr. An empty addr only registers the
// metrics.
func Init(addr string) *http.Server {
	register()
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.ListenAndServe()
	return srv
}

// CellIn counts a received cell.
func CellIn(cmd cell.Command) { cellsIn.WithLabelValues(cmd.String()).Inc() }

// CellOut counts a queued cell.
func CellOut(cmd cell.Command) { cellsOut.WithLabelValues(cmd.String()).Inc() }

// CellDropped counts a cell dropped for reason.
func CellDropped(reason string) { cellsDropped.WithLabelValues(reason).Inc() }

func BadCell() { badCells.Inc() }

func AuthFailure() { authFailures.Inc() }

func DecapsulationFailure() { decapFailures.Inc() }

func LinkOpened() { links.Inc() }

func LinkClosed() { links.Dec() }

func CircuitCreated() { circuits.Inc() }

// CircuitDestroyed records a teardown.
func CircuitDestroyed(reason cell.Reason) {
	circuits.Dec()
	circuitsDestroyed.WithLabelValues(reason.String()).Inc()
}

// CircuitBuilt observes the time since start.
func CircuitBuilt(start time.Time) { buildSeconds.Observe(time.Since(start).Seconds()) }

func CircuitBuildFailed() { buildFailures.Inc() }
