// ============================================================================
// logbus metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
//
// Metric families:
//
//   1. Counters:
//      - logbus_events_published_total{kind}: events appended to the local log
//      - logbus_publish_refused_total: publishes refused while suspended
//      - logbus_events_dispatched_total{kind}: tailed events handed to handlers
//      - logbus_records_skipped_total: malformed records skipped by the tailer
//      - logbus_handler_panics_total: handler invocations that panicked
//      - logbus_gc_cycles_total{result}: GC cycles run by this peer
//      - logbus_gc_reclaimed_bytes_total: bytes freed by compaction
//      - logbus_gc_auto_resumed_total: suspensions ended by the safety timeout
//      - logbus_ack_calls_total{result}: quorum-ack calls by outcome
//      - logbus_filecheck_attempts_total{result}: local file-check attempts
//
//   2. Histograms:
//      - logbus_gc_duration_seconds: prepare-to-recover time of local GC cycles
//      - logbus_ack_latency_seconds: time for a quorum-ack call to complete
//
//   3. Gauges:
//      - logbus_members: live peers seen by the registry
//      - logbus_suspended: 1 while the local bus refuses publishes
//      - logbus_log_size_bytes: size of the local log
//      - logbus_is_leader: 1 on the elected leader
//      - logbus_pending_calls: outstanding quorum-ack calls
//
// Every method is safe on a nil *Collector so components can run without
// instrumentation.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logbus"

// Collector Prometheus 指標收集器
type Collector struct {
	// bus
	published     *prometheus.CounterVec
	refused       prometheus.Counter
	dispatched    *prometheus.CounterVec
	skipped       prometheus.Counter
	handlerPanics prometheus.Counter

	// gc
	gcCycles      *prometheus.CounterVec
	gcReclaimed   prometheus.Counter
	gcAutoResumed prometheus.Counter
	gcDuration    prometheus.Histogram

	// ack calls
	ackCalls   *prometheus.CounterVec
	ackLatency prometheus.Histogram

	fileChecks *prometheus.CounterVec

	// state
	members      prometheus.Gauge
	suspended    prometheus.Gauge
	logSize      prometheus.Gauge
	isLeader     prometheus.Gauge
	pendingCalls prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg.
// A nil reg leaves the metrics unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events appended to the local log",
		}, []string{"kind"}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_refused_total",
			Help:      "Total number of publishes refused while the bus was suspended",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of tailed events dispatched to handlers",
		}, []string{"kind"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Total number of malformed or undecodable records skipped",
		}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of handler invocations that panicked",
		}),
		gcCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_cycles_total",
			Help:      "Total number of GC cycles initiated by this peer",
		}, []string{"result"}),
		gcReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_reclaimed_bytes_total",
			Help:      "Total number of bytes reclaimed by log compaction",
		}),
		gcAutoResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_auto_resumed_total",
			Help:      "Total number of suspensions ended by the GC timeout",
		}),
		gcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_duration_seconds",
			Help:      "Duration of local GC cycles in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ackCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_calls_total",
			Help:      "Total number of quorum-ack calls by result",
		}, []string{"result"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Quorum-ack call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		fileChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filecheck_attempts_total",
			Help:      "Total number of local file-check attempts by result",
		}, []string{"result"}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Current number of live peers",
		}),
		suspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suspended",
			Help:      "1 while the local bus is suspended",
		}),
		logSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_size_bytes",
			Help:      "Current size of the local log in bytes",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "1 when this peer is the elected leader",
		}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Current number of outstanding quorum-ack calls",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.published, c.refused, c.dispatched, c.skipped, c.handlerPanics,
			c.gcCycles, c.gcReclaimed, c.gcAutoResumed, c.gcDuration,
			c.ackCalls, c.ackLatency, c.fileChecks,
			c.members, c.suspended, c.logSize, c.isLeader, c.pendingCalls,
		)
	}

	return c
}

// RecordPublished 記錄事件寫入本地日誌
func (c *Collector) RecordPublished(kind string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(kind).Inc()
}

// RecordRefused 記錄暫停期間被拒絕的發佈
func (c *Collector) RecordRefused() {
	if c == nil {
		return
	}
	c.refused.Inc()
}

// RecordDispatched 記錄事件分派
func (c *Collector) RecordDispatched(kind string) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(kind).Inc()
}

// RecordSkipped 記錄被略過的損壞紀錄
func (c *Collector) RecordSkipped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.skipped.Add(float64(n))
}

// RecordHandlerPanic 記錄 handler panic
func (c *Collector) RecordHandlerPanic() {
	if c == nil {
		return
	}
	c.handlerPanics.Inc()
}

// RecordGC records one GC cycle initiated by this peer.
func (c *Collector) RecordGC(result string, duration time.Duration, reclaimed int64) {
	if c == nil {
		return
	}
	c.gcCycles.WithLabelValues(result).Inc()
	c.gcDuration.Observe(duration.Seconds())
	if reclaimed > 0 {
		c.gcReclaimed.Add(float64(reclaimed))
	}
}

// RecordAutoResume records a suspension ended by the GC timeout.
func (c *Collector) RecordAutoResume() {
	if c == nil {
		return
	}
	c.gcAutoResumed.Inc()
}

// RecordAckCall records the outcome of one quorum-ack call.
func (c *Collector) RecordAckCall(result string, latency time.Duration) {
	if c == nil {
		return
	}
	c.ackCalls.WithLabelValues(result).Inc()
	c.ackLatency.Observe(latency.Seconds())
}

// RecordFileCheck records one local file-check attempt.
func (c *Collector) RecordFileCheck(result string) {
	if c == nil {
		return
	}
	c.fileChecks.WithLabelValues(result).Inc()
}

// SetMembers 更新存活節點數
func (c *Collector) SetMembers(n int) {
	if c == nil {
		return
	}
	c.members.Set(float64(n))
}

// SetSuspended 更新暫停狀態
func (c *Collector) SetSuspended(suspended bool) {
	if c == nil {
		return
	}
	c.suspended.Set(boolToFloat(suspended))
}

// SetLogSize 更新本地日誌大小
func (c *Collector) SetLogSize(bytes int64) {
	if c == nil {
		return
	}
	c.logSize.Set(float64(bytes))
}

// SetLeader 更新 leader 狀態
func (c *Collector) SetLeader(isLeader bool) {
	if c == nil {
		return
	}
	c.isLeader.Set(boolToFloat(isLeader))
}

// SetPendingCalls 更新未完成的 ack 呼叫數
func (c *Collector) SetPendingCalls(n int) {
	if c == nil {
		return
	}
	c.pendingCalls.Set(float64(n))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewServer 建立 Prometheus metrics HTTP 伺服器（/metrics）
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//   - g: 指標來源
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}
