package kafka

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds producer and consumer collectors for one registry.
type Metrics struct {
	producerMsgs    *prometheus.CounterVec
	producerBytes   *prometheus.CounterVec
	producerLatency *prometheus.HistogramVec
	consumerDepth   *prometheus.GaugeVec
	consumerHandle  *prometheus.HistogramVec
	consumerResults *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		producerMsgs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_kafka_producer_messages_total",
			Help: "Total messages published to Kafka",
		}, []string{"topic", "result"}),
		producerBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_kafka_producer_bytes_total",
			Help: "Total payload bytes published",
		}, []string{"topic"}),
		producerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tiwatcher_kafka_producer_publish_seconds",
			Help:    "Publish latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		consumerDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tiwatcher_kafka_consumer_queue_depth",
			Help: "Number of messages waiting in consumer queue",
		}, []string{"topic"}),
		consumerHandle: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "tiwatcher_kafka_consumer_handle_seconds",
			Help: "Handling time per message",
		}, []string{"topic"}),
		consumerResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiwatcher_kafka_consumer_messages_total",
			Help: "Consumed messages by final outcome",
		}, []string{"topic", "result"}),
	}
}

func (m *Metrics) observePublish(topic string, bytes int64, count int, dur time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.producerMsgs.WithLabelValues(topic, result).Add(float64(count))
	m.producerBytes.WithLabelValues(topic).Add(float64(bytes))
	m.producerLatency.WithLabelValues(topic).Observe(dur.Seconds())
}

func (m *Metrics) observeDepth(topic string, depth int) {
	if m == nil {
		return
	}
	m.consumerDepth.WithLabelValues(topic).Set(float64(depth))
}

func (m *Metrics) observeHandled(topic, result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.consumerResults.WithLabelValues(topic, result).Inc()
	m.consumerHandle.WithLabelValues(topic).Observe(dur.Seconds())
}
