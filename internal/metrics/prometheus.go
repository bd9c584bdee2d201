package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "crabdb"

// Read results used as the "result" label.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Metrics collects engine and server metrics on a private registry.
// All methods are safe on a nil *Metrics, so components can run without one.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	writesTotal  prometheus.Counter
	writtenBytes prometheus.Counter
	readsTotal   *prometheus.CounterVec
	flushesTotal prometheus.Counter
	flushedBytes prometheus.Counter
	mergesTotal  prometheus.Counter
	errorsTotal  *prometheus.CounterVec

	// Gauges
	liveSegmentBytes prometheus.Gauge
	segmentFiles     prometheus.Gauge
	inflightRequests prometheus.Gauge

	// Histograms
	requestLatency *prometheus.HistogramVec

	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		writesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Total writes accepted into the live segment.",
		}),
		writtenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Total value bytes written.",
		}),
		readsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Total reads by result.",
		}, []string{"result"}),
		flushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Segments persisted to disk.",
		}),
		flushedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_bytes_total",
			Help:      "Bytes written to segment files by flushes.",
		}),
		mergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Completed compaction runs.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by stage.",
		}, []string{"stage"}),
		liveSegmentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_segment_bytes",
			Help:      "Value bytes held by the live segment.",
		}),
		segmentFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segment_files",
			Help:      "Segment files listed in the manifest.",
		}),
		inflightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Requests currently being served.",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of engine requests.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.writesTotal,
		m.writtenBytes,
		m.readsTotal,
		m.flushesTotal,
		m.flushedBytes,
		m.mergesTotal,
		m.errorsTotal,
		m.liveSegmentBytes,
		m.segmentFiles,
		m.inflightRequests,
		m.requestLatency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the engine started.",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	return m
}

// RecordWrite records a write of n value bytes.
func (m *Metrics) RecordWrite(n int, latency time.Duration) {
	if m == nil {
		return
	}
	m.writesTotal.Inc()
	m.writtenBytes.Add(float64(n))
	m.requestLatency.WithLabelValues("write").Observe(latency.Seconds())
}

// RecordRead records a read with one of the Result* labels.
func (m *Metrics) RecordRead(result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.readsTotal.WithLabelValues(result).Inc()
	m.requestLatency.WithLabelValues("read").Observe(latency.Seconds())
}

// RecordFlush records a segment file of n bytes.
func (m *Metrics) RecordFlush(n int) {
	if m == nil {
		return
	}
	m.flushesTotal.Inc()
	m.flushedBytes.Add(float64(n))
}

// RecordMerge records a finished compaction.
func (m *Metrics) RecordMerge() {
	if m == nil {
		return
	}
	m.mergesTotal.Inc()
}

// RecordError records an error at the given stage (flush, merge, read, ...).
func (m *Metrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(stage).Inc()
}

// SetLiveSegmentBytes sets the live segment size gauge.
func (m *Metrics) SetLiveSegmentBytes(n int64) {
	if m == nil {
		return
	}
	m.liveSegmentBytes.Set(float64(n))
}

// SetSegmentFiles sets the manifest length gauge.
func (m *Metrics) SetSegmentFiles(n int) {
	if m == nil {
		return
	}
	m.segmentFiles.Set(float64(n))
}

// RequestStarted increments in-flight requests.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.inflightRequests.Inc()
}

// RequestFinished decrements in-flight requests.
func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.inflightRequests.Dec()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// Snapshot holds current metric values.
type Snapshot struct {
	WritesTotal      uint64
	ReadHits         uint64
	ReadMisses       uint64
	FlushesTotal     uint64
	MergesTotal      uint64
	ErrorsTotal      uint64
	LiveSegmentBytes int64
	SegmentFiles     int
	UptimeSeconds    float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	var errs float64
	families, _ := m.registry.Gather()
	for _, mf := range families {
		if mf.GetName() != namespace+"_errors_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			errs += metric.GetCounter().GetValue()
		}
	}

	return Snapshot{
		WritesTotal:      uint64(counterValue(m.writesTotal)),
		ReadHits:         uint64(counterValue(m.readsTotal.WithLabelValues(ResultHit))),
		ReadMisses:       uint64(counterValue(m.readsTotal.WithLabelValues(ResultMiss))),
		FlushesTotal:     uint64(counterValue(m.flushesTotal)),
		MergesTotal:      uint64(counterValue(m.mergesTotal)),
		ErrorsTotal:      uint64(errs),
		LiveSegmentBytes: int64(gaugeValue(m.liveSegmentBytes)),
		SegmentFiles:     int(gaugeValue(m.segmentFiles)),
		UptimeSeconds:    time.Since(m.startTime).Seconds(),
	}
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var out dto.Metric
	if err := g.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}
