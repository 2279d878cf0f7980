package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	"github.com/WayB98/TIWatcher/internal/domain/repository"
	pkgkafka "github.com/WayB98/TIWatcher/pkg/kafka"
)

// batchPublisher is satisfied by *pkgkafka.Producer.
type batchPublisher interface {
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
}

// KafkaAlertExporter writes one message per alert, keyed by host so a host's
// alerts stay ordered within a partition.
type KafkaAlertExporter struct {
	producer batchPublisher
	topic    string
}

func NewKafkaAlertExporter(producer *pkgkafka.Producer, topic string) *KafkaAlertExporter {
	return &KafkaAlertExporter{producer: producer, topic: topic}
}

var _ repository.ExportSink = (*KafkaAlertExporter)(nil)

func (e *KafkaAlertExporter) Name() string { return "kafka" }

func (e *KafkaAlertExporter) Export(ctx context.Context, outcome models.BatchOutcome) error {
	if len(outcome.Alerts) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(outcome.Alerts))
	for i, ev := range outcome.Alerts {
		msgs[i] = pkgkafka.Message{
			Key:   []byte(ev.Host),
			Value: ev,
			Headers: map[string]string{
				"message_id": uuid.NewString(),
				"source":     outcome.Source,
			},
		}
	}
	return e.producer.PublishBatch(ctx, e.topic, msgs)
}
