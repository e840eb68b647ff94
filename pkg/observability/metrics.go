package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records the engine's operational counters. A nil-safe noop is
// installed by default so call sites never guard.
type Metrics interface {
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, tokens int, err error)
	RecordSnapshot(ctx context.Context, reason string)
	RecordRollback(ctx context.Context, files int)
}

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m == nil {
		m = NoopMetrics{}
	}
	globalMetrics = m
}

// GetGlobalMetrics returns the installed recorder.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordToolExecution(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, int, error)  {}
func (NoopMetrics) RecordSnapshot(context.Context, string)                            {}
func (NoopMetrics) RecordRollback(context.Context, int)                               {}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// PrometheusMetrics implements Metrics on a dedicated registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	toolDuration *prometheus.HistogramVec
	toolCalls    *prometheus.CounterVec
	toolErrors   *prometheus.CounterVec

	llmDuration *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec
	llmErrors   *prometheus.CounterVec

	snapshots     *prometheus.CounterVec
	rollbacks     prometheus.Counter
	rollbackFiles prometheus.Counter
}

// NewPrometheusMetrics builds the recorder and registers every collector.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	m := &PrometheusMetrics{
		registry: reg,
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "excelmanus_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "excelmanus_tool_calls_total",
			Help: "Total tool calls",
		}, []string{"tool"}),
		toolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "excelmanus_tool_errors_total",
			Help: "Total tool call failures",
		}, []string{"tool"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "excelmanus_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "excelmanus_llm_tokens_total",
			Help: "Total tokens reported by the provider",
		}, []string{"model"}),
		llmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "excelmanus_llm_errors_total",
			Help: "Total LLM request failures",
		}, []string{"model"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "excelmanus_file_snapshots_total",
			Help: "Total file version snapshots taken",
		}, []string{"reason"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "excelmanus_rollbacks_total",
			Help: "Total rollback operations",
		}),
		rollbackFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "excelmanus_rollback_files_total",
			Help: "Total files restored by rollbacks",
		}),
	}
	reg.MustRegister(
		m.toolDuration, m.toolCalls, m.toolErrors,
		m.llmDuration, m.llmTokens, m.llmErrors,
		m.snapshots, m.rollbacks, m.rollbackFiles,
	)
	return m
}

func (m *PrometheusMetrics) RecordToolExecution(_ context.Context, tool string, duration time.Duration, err error) {
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	m.toolCalls.WithLabelValues(tool).Inc()
	if err != nil {
		m.toolErrors.WithLabelValues(tool).Inc()
	}
}

func (m *PrometheusMetrics) RecordLLMCall(_ context.Context, model string, duration time.Duration, tokens int, err error) {
	m.llmDuration.WithLabelValues(model).Observe(duration.Seconds())
	if tokens > 0 {
		m.llmTokens.WithLabelValues(model).Add(float64(tokens))
	}
	if err != nil {
		m.llmErrors.WithLabelValues(model).Inc()
	}
}

func (m *PrometheusMetrics) RecordSnapshot(_ context.Context, reason string) {
	m.snapshots.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) RecordRollback(_ context.Context, files int) {
	m.rollbacks.Inc()
	m.rollbackFiles.Add(float64(files))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a metrics endpoint on /metrics. Blocks until the listener
// fails or the context ends.
func (m *PrometheusMetrics) Serve(ctx context.Context, cfg MetricsConfig) error {
	if !cfg.Enabled {
		return nil
	}
	port := cfg.Port
	if port <= 0 {
		port = 9090
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
