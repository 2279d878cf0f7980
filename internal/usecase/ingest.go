package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/internal/service/auth"
	"github.com/WayB98/TIWatcher/internal/services/matching"
	applogger "github.com/WayB98/TIWatcher/pkg/logger"
)

// Batch sources as labelled in metrics and export outcomes.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

const unknownHost = "unknown"

// ErrUnauthorized means the agent token was rejected. Nothing was written.
var ErrUnauthorized = errors.New("unauthorized")

// StorageError reports a failed batch. The batch was rolled back as a whole.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Exporter accepts committed batches without blocking.
type Exporter interface {
	Submit(outcome models.BatchOutcome) bool
}

// IngestService turns an agent batch into connection records, alerts and
// live events.
type IngestService struct {
	auth    auth.Authenticator
	source  domrepo.IndicatorSource
	ledger  domrepo.Ledger
	events  domrepo.EventPublisher
	export  Exporter
	metrics domrepo.Metrics
	l       *applogger.Logger
	timeout time.Duration
	now     func() time.Time
}

type IngestOption func(*IngestService)

// WithIngestTimeout bounds each batch. Zero leaves only the caller's deadline.
func WithIngestTimeout(d time.Duration) IngestOption {
	return func(s *IngestService) { s.timeout = d }
}

func WithExporter(e Exporter) IngestOption {
	return func(s *IngestService) { s.export = e }
}

func WithIngestLogger(l *applogger.Logger) IngestOption {
	return func(s *IngestService) {
		if l != nil {
			s.l = l
		}
	}
}

// WithIndicatorSource overrides where indicators are read from, e.g. a
// cached view of the ledger.
func WithIndicatorSource(src domrepo.IndicatorSource) IngestOption {
	return func(s *IngestService) {
		if src != nil {
			s.source = src
		}
	}
}

func NewIngestService(
	authn auth.Authenticator,
	ledger domrepo.Ledger,
	events domrepo.EventPublisher,
	metrics domrepo.Metrics,
	opts ...IngestOption,
) *IngestService {
	s := &IngestService{
		auth:    authn,
		source:  ledger,
		ledger:  ledger,
		events:  events,
		metrics: metrics,
		l:       applogger.Nop(),
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate checks token without touching storage.
func (s *IngestService) Authenticate(token string) error {
	if err := s.auth.Authenticate(token); err != nil {
		s.metrics.RecordError("unauthorized")
		return ErrUnauthorized
	}
	return nil
}

// Ingest processes a batch received over HTTP.
func (s *IngestService) Ingest(ctx context.Context, token string, batch models.Batch) (*models.IngestResult, error) {
	return s.IngestFrom(ctx, SourceHTTP, token, batch)
}

// IngestFrom processes a batch and labels it with source. Records, alerts and
// events keep the order of batch.Connections. Events are published only once
// the batch is committed.
func (s *IngestService) IngestFrom(ctx context.Context, source, token string, batch models.Batch) (*models.IngestResult, error) {
	start := s.now()

	if err := s.Authenticate(token); err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	host := strings.TrimSpace(batch.Host)
	if host == "" {
		host = unknownHost
	}
	s.countInvalid(batch)

	if len(batch.Connections) == 0 {
		s.metrics.RecordBatch(source, 0, 0)
		return &models.IngestResult{}, nil
	}

	indicators, err := s.source.LoadEnabledIndicators(ctx)
	if err != nil {
		return nil, s.storageError(ctx, "load indicators", err)
	}
	snap := matching.NewIndicatorSnapshot(indicators)

	records, events, err := s.persist(ctx, host, batch, snap)
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		s.events.Publish(ev)
	}
	if s.export != nil {
		s.export.Submit(models.BatchOutcome{
			Host:        host,
			Source:      source,
			Connections: records,
			Alerts:      events,
		})
	}

	s.metrics.RecordBatch(source, len(records), len(events))
	s.metrics.RecordLatency("ingest", s.now().Sub(start).Seconds())
	s.l.Debug("batch ingested",
		applogger.String("host", host),
		applogger.String("source", source),
		applogger.Int("connections", len(records)),
		applogger.Int("alerts", len(events)),
		applogger.Int("indicators", snap.Len()),
	)
	return &models.IngestResult{AlertsCreated: len(events)}, nil
}

// persist writes the batch in one transaction.
func (s *IngestService) persist(ctx context.Context, host string, batch models.Batch, snap *matching.IndicatorSnapshot) ([]models.ConnectionRecord, []models.AlertEvent, error) {
	tx, err := s.ledger.Begin(ctx)
	if err != nil {
		return nil, nil, s.storageError(ctx, "begin", err)
	}

	fail := func(op string, err error) ([]models.ConnectionRecord, []models.AlertEvent, error) {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.l.Warn("rollback failed", applogger.String("host", host), applogger.Error(rbErr))
		}
		return nil, nil, s.storageError(ctx, op, err)
	}

	receivedAt := s.now().UTC()
	records := make([]models.ConnectionRecord, 0, len(batch.Connections))
	var events []models.AlertEvent

	for _, rc := range batch.Connections {
		if err := ctx.Err(); err != nil {
			return fail("record connection", err)
		}

		rec := rc.Record(host, receivedAt)
		id, err := tx.RecordConnection(ctx, &rec)
		if err != nil {
			return fail("record connection", err)
		}
		rec.ID = id
		records = append(records, rec)

		ind, ok := matching.Match(rec.RemoteAddr, snap)
		if !ok {
			continue
		}
		alert, err := tx.RecordAlert(ctx, ind.ID, id)
		if err != nil {
			return fail("record alert", err)
		}
		events = append(events, models.NewAlertEvent(alert, ind, strings.TrimSpace(rec.RemoteAddr), host, alert.CreatedAt))
	}

	if err := tx.Commit(); err != nil {
		return fail("commit", err)
	}
	return records, events, nil
}

// storageError wraps err, folding in the context error when the deadline or
// a cancellation caused the failure.
func (s *IngestService) storageError(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		err = fmt.Errorf("%w: %v", cerr, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.metrics.RecordError("ingest_timeout")
	} else {
		s.metrics.RecordError("storage")
	}
	s.l.Error("batch rejected", applogger.String("op", op), applogger.Error(err))
	return &StorageError{Op: op, Err: err}
}

func (s *IngestService) countInvalid(batch models.Batch) {
	for i := 0; i < batch.Skipped; i++ {
		s.metrics.RecordFieldInvalid("connection")
	}
	for _, rc := range batch.Connections {
		for _, f := range rc.Invalid {
			s.metrics.RecordFieldInvalid(f)
		}
	}
}
