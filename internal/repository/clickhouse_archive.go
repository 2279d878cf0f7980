package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	"github.com/WayB98/TIWatcher/internal/domain/repository"
)

// execer is the part of *sql.DB the archive needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ClickHouseArchive copies committed connection records into a ClickHouse
// MergeTree table for long-range analytics.
type ClickHouseArchive struct {
	db        execer
	table     string
	chunkSize int
}

func NewClickHouseArchive(db *sql.DB, table string) *ClickHouseArchive {
	return newClickHouseArchive(db, table)
}

func newClickHouseArchive(db execer, table string) *ClickHouseArchive {
	return &ClickHouseArchive{db: db, table: table, chunkSize: 2000}
}

var _ repository.ExportSink = (*ClickHouseArchive)(nil)

func (a *ClickHouseArchive) Name() string { return "clickhouse" }

func (a *ClickHouseArchive) Export(ctx context.Context, outcome models.BatchOutcome) error {
	if len(outcome.Connections) == 0 {
		return nil
	}

	byConn := make(map[int64]models.AlertEvent, len(outcome.Alerts))
	for _, ev := range outcome.Alerts {
		byConn[ev.ConnectionID] = ev
	}

	// multi-row VALUES, chunked to bound statement size
	for start := 0; start < len(outcome.Connections); start += a.chunkSize {
		end := start + a.chunkSize
		if end > len(outcome.Connections) {
			end = len(outcome.Connections)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*10)
		for _, rec := range outcome.Connections[start:end] {
			if rec.ID == 0 {
				continue
			}
			var indicatorID, alertID interface{}
			if ev, ok := byConn[rec.ID]; ok {
				indicatorID, alertID = uint64(ev.IndicatorID), uint64(ev.AlertID)
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				uint64(rec.ID),
				rec.Host,
				nullable(rec.PID),
				nullable(rec.ProcessName),
				rec.LocalAddr,
				rec.RemoteAddr,
				nullable(rec.RemotePort),
				rec.ObservedAt.UTC(),
				indicatorID,
				alertID,
			)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (connection_id, host, pid, process_name, local_addr, remote_addr, remote_port, observed_at, indicator_id, alert_id) VALUES %s",
			a.table, strings.Join(values, ","))
		if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("clickhouse archive: %w", err)
		}
	}
	return nil
}

func nullable[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
