package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	pkgkafka "github.com/WayB98/TIWatcher/pkg/kafka"
)

// KafkaBatchHandler feeds agent batches published on Kafka into the
// ingestion service.
type KafkaBatchHandler struct {
	topic   string
	ingest  *IngestService
	metrics domrepo.Metrics
}

func NewKafkaBatchHandler(topic string, ingest *IngestService, metrics domrepo.Metrics) *KafkaBatchHandler {
	return &KafkaBatchHandler{topic: topic, ingest: ingest, metrics: metrics}
}

func (h *KafkaBatchHandler) Topic() string { return h.topic }

// incoming message schema: {token, host, connections:[...]}
func (h *KafkaBatchHandler) Handle(ctx context.Context, b []byte) error {
	var envelope struct {
		Token string `json:"token"`
	}
	var batch models.Batch
	if err := json.Unmarshal(b, &batch); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode batch: %v: %w", err, pkgkafka.ErrPermanent)
	}
	// token is optional in the envelope; a wrong type is just a missing token
	_ = json.Unmarshal(b, &envelope)

	start := time.Now()
	_, err := h.ingest.IngestFrom(ctx, SourceKafka, envelope.Token, batch)
	h.metrics.RecordLatency("consumer_ingest_seconds", time.Since(start).Seconds())
	if errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("batch from %q: %w: %w", batch.Host, err, pkgkafka.ErrPermanent)
	}
	return err
}

var _ pkgkafka.MessageHandler = (*KafkaBatchHandler)(nil)
