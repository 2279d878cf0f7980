package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	batches       *prometheus.CounterVec
	connections   *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	fieldsInvalid *prometheus.CounterVec
	deliveryMiss  prometheus.Counter
	subscribers   prometheus.Gauge
	exports       *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New registers the pipeline collectors on reg. Each registry can hold one
// Recorder.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_batches_total",
			Help: "Ingested connection batches by intake source",
		}, []string{"source"}),
		connections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_connections_total",
			Help: "Connection records persisted",
		}, []string{"source"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_alerts_total",
			Help: "Alerts created by IOC matches",
		}, []string{"source"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_errors_total",
			Help: "Total number of errors encountered",
		}, []string{"type"}),
		fieldsInvalid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_record_field_invalid_total",
			Help: "Connection record fields dropped as malformed",
		}, []string{"field"}),
		deliveryMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "tiwatcher_event_delivery_miss_total",
			Help: "Live events dropped because a subscriber buffer was full",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "tiwatcher_event_subscribers",
			Help: "Currently connected live event subscribers",
		}),
		exports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_exports_total",
			Help: "Batch outcomes handed to export sinks",
		}, []string{"sink", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tiwatcher_operation_duration_seconds",
			Help:    "Duration of operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RecordBatch counts one committed batch.
func (r *Recorder) RecordBatch(source string, connections, alerts int) {
	r.batches.WithLabelValues(source).Inc()
	r.connections.WithLabelValues(source).Add(float64(connections))
	r.alerts.WithLabelValues(source).Add(float64(alerts))
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordFieldInvalid(field string) {
	r.fieldsInvalid.WithLabelValues(field).Inc()
}

func (r *Recorder) RecordDeliveryMiss() {
	r.deliveryMiss.Inc()
}

func (r *Recorder) SetSubscribers(n int) {
	r.subscribers.Set(float64(n))
}

// RecordExport counts a sink delivery; outcome is ok, failed or dropped.
func (r *Recorder) RecordExport(sink, outcome string) {
	r.exports.WithLabelValues(sink, outcome).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) RecordBatch(string, int, int)  {}
func (Noop) RecordError(string)            {}
func (Noop) RecordFieldInvalid(string)     {}
func (Noop) RecordDeliveryMiss()           {}
func (Noop) SetSubscribers(int)            {}
func (Noop) RecordExport(string, string)   {}
func (Noop) RecordLatency(string, float64) {}
