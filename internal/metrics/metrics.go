// Package metrics provides Prometheus instrumentation for the execution core.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crosnoe/evmsniper/internal/chain"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// RPC layer
	RPCCalls       *prometheus.CounterVec // chain, method
	RPCErrors      *prometheus.CounterVec // chain, kind
	RPCCallLatency *prometheus.HistogramVec
	EndpointsOpen  *prometheus.GaugeVec // chain: endpoints with breaker open
	Rotations      *prometheus.CounterVec

	// Pipeline
	TxSubmitted   *prometheus.CounterVec // chain
	TxConfirmed   *prometheus.CounterVec // chain, status
	TxRetries     *prometheus.CounterVec // chain, mutation
	ReceiptWait   *prometheus.HistogramVec
	NonceResyncs  *prometheus.CounterVec

	// Mempool
	MempoolEvents *prometheus.CounterVec // chain, type

	// Analyzer and decisions
	TokensAnalyzed  *prometheus.CounterVec // chain, safety
	AnalysisLatency prometheus.Histogram
	Decisions       *prometheus.CounterVec // action
}

// New creates a Metrics instance registered on a fresh registry, returned
// alongside it so the caller can expose or inspect it.
func New(namespace string) (*Metrics, *prometheus.Registry) {
	if namespace == "" {
		namespace = "evmsniper"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "JSON-RPC calls issued, by chain and method.",
		}, []string{"chain", "method"}),
		RPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "JSON-RPC failures, by chain and error kind.",
		}, []string{"chain", "kind"}),
		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_latency_seconds",
			Help:      "JSON-RPC round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "method"}),
		EndpointsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints_breaker_open",
			Help:      "Endpoints currently held open by the circuit breaker.",
		}, []string{"chain"}),
		Rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_rotations_total",
			Help:      "Retry-driven endpoint rotations.",
		}, []string{"chain"}),

		TxSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_submitted_total",
			Help:      "Raw transactions submitted.",
		}, []string{"chain"}),
		TxConfirmed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_confirmed_total",
			Help:      "Transactions confirmed, by final status.",
		}, []string{"chain", "status"}),
		TxRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Pipeline retries, by applied mutation.",
		}, []string{"chain", "mutation"}),
		ReceiptWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_wait_seconds",
			Help:      "Time from submission to confirmed receipt.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120},
		}, []string{"chain"}),
		NonceResyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_resyncs_total",
			Help:      "Forced nonce cache re-syncs.",
		}, []string{"chain"}),

		MempoolEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mempool_events_total",
			Help:      "Normalized mempool events, by type.",
		}, []string{"chain", "type"}),

		TokensAnalyzed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_analyzed_total",
			Help:      "Risk analyses completed, by resulting safety level.",
		}, []string{"chain", "safety"}),
		AnalysisLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_latency_seconds",
			Help:      "Wall time of one full token analysis.",
			Buckets:   prometheus.DefBuckets,
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_decisions_total",
			Help:      "Decision engine outputs, by action.",
		}, []string{"action"}),
	}
	return m, reg
}

// Recording helpers. All are nil-safe so instrumented packages run unchanged
// without a sink (one-shot CLI commands, tests).

// ObserveRPC records one JSON-RPC attempt and its latency; a non-nil err is
// counted under its classification.
func (m *Metrics) ObserveRPC(chainID uint64, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	c := chainLabel(chainID)
	m.RPCCalls.WithLabelValues(c, method).Inc()
	m.RPCCallLatency.WithLabelValues(c, method).Observe(d.Seconds())
	if err != nil {
		m.RPCErrors.WithLabelValues(c, chain.KindOf(err).String()).Inc()
	}
}

// AddBreakerOpen moves the open-breaker gauge by delta.
func (m *Metrics) AddBreakerOpen(chainID uint64, delta float64) {
	if m == nil {
		return
	}
	m.EndpointsOpen.WithLabelValues(chainLabel(chainID)).Add(delta)
}

// AddRotation counts one endpoint rotation.
func (m *Metrics) AddRotation(chainID uint64) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(chainLabel(chainID)).Inc()
}

// AddSubmit counts one raw transaction submission attempt.
func (m *Metrics) AddSubmit(chainID uint64) {
	if m == nil {
		return
	}
	m.TxSubmitted.WithLabelValues(chainLabel(chainID)).Inc()
}

// AddRetry counts one pipeline retry under the mutation it applied.
func (m *Metrics) AddRetry(chainID uint64, mutation string) {
	if m == nil {
		return
	}
	m.TxRetries.WithLabelValues(chainLabel(chainID), mutation).Inc()
}

// ObserveReceiptWait records the submission-to-receipt wall time.
func (m *Metrics) ObserveReceiptWait(chainID uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.ReceiptWait.WithLabelValues(chainLabel(chainID)).Observe(d.Seconds())
}

// AddNonceResync counts one forced nonce cache re-sync.
func (m *Metrics) AddNonceResync(chainID uint64) {
	if m == nil {
		return
	}
	m.NonceResyncs.WithLabelValues(chainLabel(chainID)).Inc()
}

// ObserveAnalysis records the wall time of one token analysis.
func (m *Metrics) ObserveAnalysis(d time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisLatency.Observe(d.Seconds())
}

func chainLabel(id uint64) string { return strconv.FormatUint(id, 10) }
