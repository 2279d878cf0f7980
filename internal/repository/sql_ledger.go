package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	"github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/pkg/database"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidIndicator = errors.New("invalid indicator")
)

// SQLLedger implements repository.Ledger on PostgreSQL or SQLite.
type SQLLedger struct {
	db  *database.DB
	now func() time.Time
}

func NewSQLLedger(db *database.DB) *SQLLedger {
	return &SQLLedger{db: db, now: time.Now}
}

var _ repository.Ledger = (*SQLLedger)(nil)

func (l *SQLLedger) LoadEnabledIndicators(ctx context.Context) ([]models.Indicator, error) {
	q := l.db.Rebind(`SELECT id, value, kind, enabled, created_at FROM indicators WHERE enabled = ? ORDER BY id`)
	rows, err := l.db.QueryContext(ctx, q, true)
	if err != nil {
		return nil, fmt.Errorf("load indicators: %w", err)
	}
	defer rows.Close()

	var out []models.Indicator
	for rows.Next() {
		var ind models.Indicator
		var kind string
		if err := rows.Scan(&ind.ID, &ind.Value, &kind, &ind.Enabled, &ind.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan indicator: %w", err)
		}
		ind.Kind = models.IndicatorKind(kind)
		out = append(out, ind)
	}
	return out, rows.Err()
}

func (l *SQLLedger) Begin(ctx context.Context) (repository.LedgerTx, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqlTx{tx: tx, dialect: l.db.Dialect(), now: l.now}, nil
}

func (l *SQLLedger) ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.AlertView, error) {
	if f.Limit <= 0 {
		f.Limit = 500
	}

	var b strings.Builder
	b.WriteString(`SELECT a.id, a.indicator_id, a.connection_id, a.status, a.created_at,
		i.value, i.kind, c.host, c.process_name, c.remote_addr, c.remote_port, c.observed_at
		FROM alerts a
		JOIN indicators i ON i.id = a.indicator_id
		JOIN connections c ON c.id = a.connection_id`)
	args := make([]interface{}, 0, 3)
	var where []string
	if f.Status != "" {
		where = append(where, `a.status = ?`)
		args = append(args, string(f.Status))
	}
	if !f.After.IsZero() {
		where = append(where, `a.created_at >= ?`)
		args = append(args, f.After.UTC())
	}
	if len(where) > 0 {
		b.WriteString(` WHERE ` + strings.Join(where, ` AND `))
	}
	b.WriteString(` ORDER BY a.created_at DESC, a.id DESC LIMIT ?`)
	args = append(args, f.Limit)

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]models.AlertView, 0)
	for rows.Next() {
		var (
			v           models.AlertView
			status      string
			kind        string
			processName sql.NullString
			remotePort  sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.IndicatorID, &v.ConnectionID, &status, &v.CreatedAt,
			&v.Indicator, &kind, &v.Host, &processName, &v.RemoteAddr, &remotePort, &v.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		v.Status = models.AlertStatus(status)
		v.IndicatorKind = models.IndicatorKind(kind)
		if processName.Valid {
			v.ProcessName = &processName.String
		}
		if remotePort.Valid {
			p := int(remotePort.Int64)
			v.RemotePort = &p
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (l *SQLLedger) CloseAlert(ctx context.Context, id int64) error {
	q := l.db.Rebind(`UPDATE alerts SET status = ? WHERE id = ?`)
	res, err := l.db.ExecContext(ctx, q, string(models.AlertClosed), id)
	if err != nil {
		return fmt.Errorf("close alert: %w", err)
	}
	return expectRow(res)
}

func (l *SQLLedger) Stats(ctx context.Context) (models.Stats, error) {
	var s models.Stats
	row := l.db.QueryRowContext(ctx, l.db.Rebind(`SELECT
		(SELECT COUNT(*) FROM indicators),
		(SELECT COUNT(*) FROM alerts),
		(SELECT COUNT(*) FROM alerts WHERE status = ?),
		(SELECT COUNT(*) FROM connections)`), string(models.AlertOpen))
	if err := row.Scan(&s.Indicators, &s.Alerts, &s.OpenAlerts, &s.Connections); err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

// AddIndicator stores a new indicator, enabled.
func (l *SQLLedger) AddIndicator(ctx context.Context, value string, kind models.IndicatorKind) (models.Indicator, error) {
	value = strings.TrimSpace(value)
	if value == "" || !kind.Valid() {
		return models.Indicator{}, ErrInvalidIndicator
	}

	ind := models.Indicator{Value: value, Kind: kind, Enabled: true, CreatedAt: l.now().UTC()}
	q := l.db.Rebind(`INSERT INTO indicators (value, kind, enabled, created_at) VALUES (?, ?, ?, ?) RETURNING id`)
	if err := l.db.QueryRowContext(ctx, q, ind.Value, string(ind.Kind), ind.Enabled, ind.CreatedAt).Scan(&ind.ID); err != nil {
		return models.Indicator{}, fmt.Errorf("add indicator: %w", err)
	}
	return ind, nil
}

func (l *SQLLedger) SetIndicatorEnabled(ctx context.Context, id int64, enabled bool) error {
	q := l.db.Rebind(`UPDATE indicators SET enabled = ? WHERE id = ?`)
	res, err := l.db.ExecContext(ctx, q, enabled, id)
	if err != nil {
		return fmt.Errorf("set indicator enabled: %w", err)
	}
	return expectRow(res)
}

func (l *SQLLedger) Health(ctx context.Context) error {
	return l.db.Health(ctx)
}

func (l *SQLLedger) Close() error {
	return l.db.Close()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect database.Dialect
	now     func() time.Time
}

func (t *sqlTx) RecordConnection(ctx context.Context, rec *models.ConnectionRecord) (int64, error) {
	q := database.Rebind(t.dialect, `INSERT INTO connections
		(host, pid, process_name, local_addr, remote_addr, remote_port, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var pid, port sql.NullInt64
	var exe sql.NullString
	if rec.PID != nil {
		pid = sql.NullInt64{Int64: *rec.PID, Valid: true}
	}
	if rec.RemotePort != nil {
		port = sql.NullInt64{Int64: int64(*rec.RemotePort), Valid: true}
	}
	if rec.ProcessName != nil {
		exe = sql.NullString{String: *rec.ProcessName, Valid: true}
	}

	var id int64
	err := t.tx.QueryRowContext(ctx, q,
		rec.Host, pid, exe, rec.LocalAddr, rec.RemoteAddr, port, rec.ObservedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record connection: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (t *sqlTx) RecordAlert(ctx context.Context, indicatorID, connectionID int64) (models.Alert, error) {
	a := models.Alert{
		IndicatorID:  indicatorID,
		ConnectionID: connectionID,
		Status:       models.AlertOpen,
		CreatedAt:    t.now().UTC(),
	}
	q := database.Rebind(t.dialect, `INSERT INTO alerts (indicator_id, connection_id, status, created_at)
		VALUES (?, ?, ?, ?) RETURNING id`)
	if err := t.tx.QueryRowContext(ctx, q, a.IndicatorID, a.ConnectionID, string(a.Status), a.CreatedAt).Scan(&a.ID); err != nil {
		return models.Alert{}, fmt.Errorf("record alert: %w", err)
	}
	return a, nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
