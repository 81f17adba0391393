package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

var _ engine.Recorder = (*Metrics)(nil)

// Metrics provides Prometheus metrics for the transaction engine and the
// remote control server. A disabled instance accepts every call and
// records nothing.
type Metrics struct {
	config MetricsConfig

	transactionsFinished *prometheus.CounterVec
	transactionDuration  *prometheus.HistogramVec
	chainsFinished       *prometheus.CounterVec
	queueDepth           *prometheus.GaugeVec
	workersBusy          prometheus.Gauge
	lockWait             prometheus.Histogram
	retries              *prometheus.CounterVec
	remoteRequests       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transactionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_finished_total",
				Help:      "Total number of transactions that reached a terminal state",
			},
			[]string{"type", "state"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of transaction execution in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		chainsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chains_finished_total",
				Help:      "Total number of chains that reached a terminal state",
			},
			[]string{"state"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Unfinished transactions per node",
			},
			[]string{"node"},
		),
		workersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_busy",
				Help:      "Worker slots currently executing a transaction",
			},
		),
		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for a resource lock",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_retries_total",
				Help:      "Total number of retried external commands",
			},
			[]string{"cmd"},
		),
		remoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_requests_total",
				Help:      "Total number of remote control commands",
			},
			[]string{"command", "status"},
		),
	}

	collectors := []prometheus.Collector{
		m.transactionsFinished,
		m.transactionDuration,
		m.chainsFinished,
		m.queueDepth,
		m.workersBusy,
		m.lockWait,
		m.retries,
		m.remoteRequests,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Enabled reports whether the instance records anything.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// TransactionFinished implements engine.Recorder.
func (m *Metrics) TransactionFinished(txType engine.TransactionType, state engine.State, duration time.Duration) {
	if m.transactionsFinished == nil {
		return
	}
	code := txType.String()
	m.transactionsFinished.WithLabelValues(code, string(state)).Inc()
	m.transactionDuration.WithLabelValues(code).Observe(duration.Seconds())
}

// ChainFinished implements engine.Recorder.
func (m *Metrics) ChainFinished(state engine.ChainState) {
	if m.chainsFinished == nil {
		return
	}
	m.chainsFinished.WithLabelValues(string(state)).Inc()
}

// QueueDepth implements engine.Recorder.
func (m *Metrics) QueueDepth(node int64, depth int) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(strconv.FormatInt(node, 10)).Set(float64(depth))
}

// WorkersBusy implements engine.Recorder.
func (m *Metrics) WorkersBusy(n int) {
	if m.workersBusy == nil {
		return
	}
	m.workersBusy.Set(float64(n))
}

// LockWait implements engine.Recorder.
func (m *Metrics) LockWait(duration time.Duration) {
	if m.lockWait == nil {
		return
	}
	m.lockWait.Observe(duration.Seconds())
}

// Retry implements engine.Recorder.
func (m *Metrics) Retry(cmd string) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(cmd).Inc()
}

// RecordRemoteRequest counts one remote control command by outcome.
func (m *Metrics) RecordRemoteRequest(command, status string) {
	if m.remoteRequests == nil {
		return
	}
	m.remoteRequests.WithLabelValues(command, status).Inc()
}

// Gather exposes the registry contents, mainly for tests.
func (m *Metrics) Gather() (map[string]float64, error) {
	out := make(map[string]float64)
	if m.registry == nil {
		return out, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	for _, f := range families {
		var total float64
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		out[f.GetName()] = total
	}
	return out, nil
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
