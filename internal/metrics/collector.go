// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器：围绕 store/dispatcher/decay 这几个真正暴露负载的
// 组件收集指标，而不是泛化的 HTTP/LLM/Agent 维度。
type Collector struct {
	// STM/LTM 规模
	storeSize      *prometheus.GaugeVec
	storeEvictions *prometheus.CounterVec

	// 衰减
	decayRunsTotal    *prometheus.CounterVec
	decayRunDuration  *prometheus.HistogramVec
	decayExpiredTotal *prometheus.CounterVec

	// 压缩
	compressorBatchesTotal     *prometheus.CounterVec
	compressorDeadLettersTotal *prometheus.CounterVec

	// Dispatcher
	dispatcherRequestsTotal   *prometheus.CounterVec
	dispatcherRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.storeSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_size",
			Help:      "Current entry count of a collection within a tier",
		},
		[]string{"tier", "collection"},
	)

	c.storeEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_evictions_total",
			Help:      "Total number of memories evicted from STM to the compressor",
		},
		[]string{"collection"},
	)

	c.decayRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_runs_total",
			Help:      "Total number of completed decay passes",
		},
		[]string{"status"}, // ok, error
	)

	c.decayRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decay_run_duration_seconds",
			Help:      "Decay pass duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{},
	)

	c.decayExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_expired_total",
			Help:      "Total number of LTM memories removed by decay",
		},
		[]string{"collection"},
	)

	c.compressorBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressor_batches_total",
			Help:      "Total number of eviction batches processed by the compressor",
		},
		[]string{"collection", "status"}, // ok, error
	)

	c.compressorDeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressor_dead_letters_total",
			Help:      "Total number of batches written to the dead-letter directory",
		},
		[]string{"collection"},
	)

	c.dispatcherRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_requests_total",
			Help:      "Total number of dispatcher messages handled",
		},
		[]string{"type", "status"}, // ok, error
	)

	c.dispatcherRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatcher_request_duration_seconds",
			Help:      "Dispatcher message handling duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"type"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// SetStoreSize records the current size of a tier/collection pair.
func (c *Collector) SetStoreSize(tier, collection string, size int) {
	c.storeSize.WithLabelValues(tier, collection).Set(float64(size))
}

// RecordEviction records n memories evicted from STM for collection.
func (c *Collector) RecordEviction(collection string, n int) {
	c.storeEvictions.WithLabelValues(collection).Add(float64(n))
}

// RecordDecayRun records one completed (or failed) decay pass.
func (c *Collector) RecordDecayRun(duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.decayRunsTotal.WithLabelValues(status).Inc()
	c.decayRunDuration.WithLabelValues().Observe(duration.Seconds())
}

// RecordDecayExpired records n memories removed by decay for collection.
func (c *Collector) RecordDecayExpired(collection string, n int) {
	c.decayExpiredTotal.WithLabelValues(collection).Add(float64(n))
}

// RecordCompressorBatch records one processed eviction batch.
func (c *Collector) RecordCompressorBatch(collection string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.compressorBatchesTotal.WithLabelValues(collection, status).Inc()
}

// RecordDeadLetter records one batch written to the dead-letter directory.
func (c *Collector) RecordDeadLetter(collection string) {
	c.compressorDeadLettersTotal.WithLabelValues(collection).Inc()
}

// ObserveRequest implements dispatcher.MetricsSink.
func (c *Collector) ObserveRequest(msgType string, duration time.Duration, errored bool) {
	status := "ok"
	if errored {
		status = "error"
	}
	c.dispatcherRequestsTotal.WithLabelValues(msgType, status).Inc()
	c.dispatcherRequestDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}
