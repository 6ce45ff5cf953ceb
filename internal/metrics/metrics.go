// Package metrics exposes the wear totals and cycle outcomes to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sdwear-agent/internal/model"
)

// Cycle outcomes.
const (
	ResultPersisted = "persisted"
	ResultIdle      = "idle"
	ResultFailed    = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	bytesWritten    *prometheus.GaugeVec
	counters        *prometheus.GaugeVec
	rebinds         *prometheus.CounterVec
	cycles          *prometheus.CounterVec
	sampleFailures  *prometheus.CounterVec
	writeFailures   prometheus.Counter
	persistLatency  prometheus.Histogram
	lastPersistTime prometheus.Gauge
}

// New builds the collectors on a private registry so tests and the HTTP
// handler never share state with the default one.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bytesWritten: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sdwear_bytes_written_total",
			Help: "Bytes written to the device since it was first observed.",
		}, []string{"fingerprint", "device"}),
		counters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sdwear_accumulated_counter",
			Help: "Accumulated block-layer counters since first observation.",
		}, []string{"fingerprint", "counter"}),
		rebinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdwear_rebinds_total",
			Help: "Times a device was seen under a new disk sequence number.",
		}, []string{"fingerprint"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdwear_device_cycles_total",
			Help: "Per-device accounting cycles by outcome.",
		}, []string{"result"}),
		sampleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdwear_sample_failures_total",
			Help: "Failed reads of the block statistics.",
		}, []string{"device"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sdwear_store_write_failures_total",
			Help: "Stats file writes that failed and were left for the next cycle.",
		}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sdwear_persist_duration_seconds",
			Help:    "Time to reload, merge and atomically replace the stats file.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		lastPersistTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdwear_last_persist_timestamp_seconds",
			Help: "Unix time of the last successful stats file write.",
		}),
	}
	m.registry.MustRegister(
		m.bytesWritten,
		m.counters,
		m.rebinds,
		m.cycles,
		m.sampleFailures,
		m.writeFailures,
		m.persistLatency,
		m.lastPersistTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRecord publishes the totals of rec as seen on device.
func (m *Metrics) ObserveRecord(device string, rec model.DeviceRecord) {
	m.bytesWritten.WithLabelValues(rec.Fingerprint, device).Set(float64(rec.TotalBytesWritten))
	for i, name := range model.CounterNames {
		m.counters.WithLabelValues(rec.Fingerprint, name).Set(float64(rec.OutputStats[i]))
	}
}

func (m *Metrics) Rebound(fingerprint string) {
	m.rebinds.WithLabelValues(fingerprint).Inc()
}

func (m *Metrics) Cycle(result string) {
	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) SampleFailed(device string) {
	m.sampleFailures.WithLabelValues(device).Inc()
}

// Persisted records the outcome of one store merge.
func (m *Metrics) Persisted(took time.Duration, at time.Time, err error) {
	m.persistLatency.Observe(took.Seconds())
	if err != nil {
		m.writeFailures.Inc()
		return
	}
	m.lastPersistTime.Set(float64(at.Unix()))
}
