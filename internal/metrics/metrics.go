// Package metrics exposes Prometheus collectors for the generation loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	forwardDuration  *prometheus.HistogramVec
	batchSize        prometheus.Gauge
	batchMaxTokens   prometheus.Gauge
	generatedTokens  prometheus.Counter
	requestsFinished *prometheus.CounterVec
	requestFailures  prometheus.Counter
	batchFailures    prometheus.Counter
	queueDepth       prometheus.Gauge
	blocksInUse      prometheus.Gauge
}

// New builds the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		forwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nanotgi",
				Subsystem: "engine",
				Name:      "forward_duration_seconds",
				Help:      "Duration of model forward passes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nanotgi",
			Subsystem: "engine",
			Name:      "batch_size",
			Help:      "Number of requests in the last stepped batch",
		}),
		batchMaxTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nanotgi",
			Subsystem: "scheduler",
			Name:      "batch_max_tokens",
			Help:      "Cache slots the running batch may occupy before it drains",
		}),
		generatedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nanotgi",
			Subsystem: "engine",
			Name:      "generated_tokens_total",
			Help:      "Total number of generated tokens",
		}),
		requestsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nanotgi",
				Subsystem: "engine",
				Name:      "requests_finished_total",
				Help:      "Finished requests by finish reason",
			},
			[]string{"reason"},
		),
		requestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nanotgi",
			Subsystem: "engine",
			Name:      "request_failures_total",
			Help:      "Requests that failed on their own during a step",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nanotgi",
			Subsystem: "scheduler",
			Name:      "batch_failures_total",
			Help:      "Batches retired by a fatal error",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nanotgi",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Requests waiting for admission",
		}),
		blocksInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nanotgi",
			Subsystem: "scheduler",
			Name:      "blocks_in_use",
			Help:      "Cache blocks reserved by running requests",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.forwardDuration, m.batchSize, m.batchMaxTokens, m.generatedTokens,
			m.requestsFinished, m.requestFailures, m.batchFailures, m.queueDepth, m.blocksInUse,
		)
	}
	return m
}

// ObserveForward records one forward pass.
func (m *Metrics) ObserveForward(prefill bool, d time.Duration, size int) {
	if m == nil {
		return
	}
	phase := "decode"
	if prefill {
		phase = "prefill"
	}
	m.forwardDuration.WithLabelValues(phase).Observe(d.Seconds())
	m.batchSize.Set(float64(size))
}

// AddGenerated counts n generated tokens.
func (m *Metrics) AddGenerated(n int) {
	if m == nil {
		return
	}
	m.generatedTokens.Add(float64(n))
}

// Finished counts a request that stopped for reason.
func (m *Metrics) Finished(reason string) {
	if m == nil {
		return
	}
	m.requestsFinished.WithLabelValues(reason).Inc()
}

// RequestFailed counts a request that failed on its own.
func (m *Metrics) RequestFailed() {
	if m == nil {
		return
	}
	m.requestFailures.Inc()
}

// BatchFailed counts a batch-fatal error.
func (m *Metrics) BatchFailed() {
	if m == nil {
		return
	}
	m.batchFailures.Inc()
}

// SetQueueDepth reports the waiting queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetBlocksInUse reports reserved cache blocks.
func (m *Metrics) SetBlocksInUse(n int) {
	if m == nil {
		return
	}
	m.blocksInUse.Set(float64(n))
}

// SetBatchMaxTokens reports the running batch's capacity estimate.
func (m *Metrics) SetBatchMaxTokens(n int) {
	if m == nil {
		return
	}
	m.batchMaxTokens.Set(float64(n))
}
