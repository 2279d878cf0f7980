package repository

import (
	"context"

	"github.com/WayB98/TIWatcher/internal/domain/models"
)

// IndicatorSource yields the indicators a batch is matched against.
type IndicatorSource interface {
	LoadEnabledIndicators(ctx context.Context) ([]models.Indicator, error)
}

// Ledger is the durable store of indicators, connection records and alerts.
type Ledger interface {
	IndicatorSource
	Begin(ctx context.Context) (LedgerTx, error)
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.AlertView, error)
	CloseAlert(ctx context.Context, id int64) error
	Stats(ctx context.Context) (models.Stats, error)
	Health(ctx context.Context) error // ping
	Close() error
}

// LedgerTx groups the writes of one batch. Nothing is visible to readers
// until Commit.
type LedgerTx interface {
	RecordConnection(ctx context.Context, rec *models.ConnectionRecord) (int64, error)
	RecordAlert(ctx context.Context, indicatorID, connectionID int64) (models.Alert, error)
	Commit() error
	Rollback() error
}

// EventPublisher fans a committed alert out to live observers and returns
// how many accepted it.
type EventPublisher interface {
	Publish(ev models.AlertEvent) int
}

// ExportSink receives committed batches for delivery outside the ledger.
type ExportSink interface {
	Name() string
	Export(ctx context.Context, outcome models.BatchOutcome) error
}

type Metrics interface {
	RecordBatch(source string, connections, alerts int)
	RecordError(kind string)
	RecordFieldInvalid(field string)
	RecordDeliveryMiss()
	SetSubscribers(n int)
	RecordExport(sink, outcome string)
	RecordLatency(op string, seconds float64)
}
