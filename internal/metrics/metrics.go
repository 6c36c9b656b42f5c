// Package metrics exposes Prometheus metrics for scenario runs over an
// HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Prometheus metric names.
const (
	MetricScenariosTotal          = "clickconform_scenarios_total"
	MetricDispatchDurationSeconds = "clickconform_dispatch_duration_seconds"
	MetricHTTPStatusTotal         = "clickconform_http_status_total"
	MetricRunsTotal               = "clickconform_runs_total"
	MetricRunInProgress           = "clickconform_run_in_progress"
	MetricQueueDepth              = "clickconform_queue_depth"
)

// Config holds configuration for the metrics exporter.
type Config struct {
	// Listen is the address the metrics server binds to.
	// Default: 127.0.0.1:9190
	Listen string

	// Path is the URL path for the metrics endpoint.
	// Default: /metrics
	Path string

	// HistogramBuckets are the buckets for dispatch duration.
	// Default: prometheus.DefBuckets
	HistogramBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		Listen:           "127.0.0.1:9190",
		Path:             "/metrics",
		HistogramBuckets: prometheus.DefBuckets,
	}
}

// Exporter collects run metrics and serves them for Prometheus scraping.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type Exporter struct {
	mu sync.RWMutex

	config Config

	// Private registry so tester metrics never collide with anything a
	// host process registers globally.
	registry *prometheus.Registry

	scenariosTotal  *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	httpStatusTotal *prometheus.CounterVec
	runsTotal       prometheus.Counter
	runInProgress   prometheus.Gauge
	queueDepth      prometheus.Gauge

	server  *http.Server
	ln      net.Listener
	running bool

	lastError error
}

// New creates an exporter with all metrics registered. The HTTP endpoint
// is not served until Start is called.
func New(config Config) *Exporter {
	if config.Listen == "" {
		config.Listen = "127.0.0.1:9190"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = prometheus.DefBuckets
	}

	e := &Exporter{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	e.initMetrics()
	return e
}

func (e *Exporter) initMetrics() {
	e.scenariosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickconform",
			Name:      "scenarios_total",
			Help:      "Total number of scenarios executed, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	e.dispatchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clickconform",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of gateway dispatches in seconds.",
			Buckets:   e.config.HistogramBuckets,
		},
		[]string{"action"},
	)

	e.httpStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickconform",
			Name:      "http_status_total",
			Help:      "HTTP status codes received from the endpoint under test.",
		},
		[]string{"status"},
	)

	e.runsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clickconform",
			Name:      "runs_total",
			Help:      "Total number of scenario runs started.",
		},
	)

	e.runInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clickconform",
			Name:      "run_in_progress",
			Help:      "Whether a scenario run is currently executing (0 or 1).",
		},
	)

	e.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clickconform",
			Name:      "queue_depth",
			Help:      "Scenarios still waiting to execute in the current run.",
		},
	)

	e.registry.MustRegister(
		e.scenariosTotal,
		e.dispatchSeconds,
		e.httpStatusTotal,
		e.runsTotal,
		e.runInProgress,
		e.queueDepth,
	)
}

// Start binds the listen address and serves the metrics endpoint.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	ln, err := net.Listen("tcp", e.config.Listen)
	if err != nil {
		return fmt.Errorf("starting metrics exporter: %w", err)
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.mu.Lock()
			e.lastError = err
			e.mu.Unlock()
		}
	}()

	e.running = true
	return nil
}

// Stop shuts the metrics server down.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false

	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// ObserveScenario records one finished scenario. A zero status means no
// HTTP reply was received.
func (e *Exporter) ObserveScenario(action, outcome string, status int, duration time.Duration) {
	e.scenariosTotal.WithLabelValues(action, outcome).Inc()
	e.dispatchSeconds.WithLabelValues(action).Observe(duration.Seconds())
	if status != 0 {
		e.httpStatusTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

// RunStarted records the start of a run with the given queue size.
func (e *Exporter) RunStarted(queued int) {
	e.runsTotal.Inc()
	e.runInProgress.Set(1)
	e.queueDepth.Set(float64(queued))
}

// RunFinished marks the run as no longer in progress.
func (e *Exporter) RunFinished() {
	e.runInProgress.Set(0)
	e.queueDepth.Set(0)
}

// SetQueueDepth updates the number of scenarios still waiting.
func (e *Exporter) SetQueueDepth(n int) {
	e.queueDepth.Set(float64(n))
}

// Address returns the URL of the metrics endpoint. Once started it
// reflects the bound listener, so a :0 listen address resolves to the
// real port.
func (e *Exporter) Address() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ln != nil {
		return fmt.Sprintf("http://%s%s", e.ln.Addr().String(), e.config.Path)
	}
	return fmt.Sprintf("http://%s%s", e.config.Listen, e.config.Path)
}

// IsRunning reports whether the HTTP endpoint is being served.
func (e *Exporter) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// LastError returns the last error from the HTTP server, if any.
func (e *Exporter) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Registry returns the Prometheus registry (for testing).
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Gather collects all metric families from the registry (for testing).
func (e *Exporter) Gather() ([]*dto.MetricFamily, error) {
	return e.registry.Gather()
}
