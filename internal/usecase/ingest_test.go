package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/internal/repository"
	"github.com/WayB98/TIWatcher/internal/service/auth"
	"github.com/WayB98/TIWatcher/internal/service/broadcast"
	"github.com/WayB98/TIWatcher/pkg/database"
	"github.com/WayB98/TIWatcher/pkg/metrics"
)

const token = "supersecrettoken"

type recordingExporter struct {
	mu       sync.Mutex
	outcomes []models.BatchOutcome
}

func (e *recordingExporter) Submit(o models.BatchOutcome) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes = append(e.outcomes, o)
	return true
}

type fixture struct {
	ledger *repository.SQLLedger
	bc     *broadcast.Broadcaster
	sub    <-chan models.AlertEvent
	export *recordingExporter
	svc    *IngestService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "ti.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	ledger := repository.NewSQLLedger(db)
	t.Cleanup(func() { _ = ledger.Close() })

	_, err = ledger.AddIndicator(ctx, "203.0.113.7", models.KindIP)
	require.NoError(t, err)
	_, err = ledger.AddIndicator(ctx, "evil.example", models.KindDomain)
	require.NoError(t, err)

	bc := broadcast.New()
	sub, err := bc.Subscribe()
	require.NoError(t, err)

	exp := &recordingExporter{}
	svc := NewIngestService(auth.NewSharedSecret(token), ledger, bc, metrics.Noop{}, WithExporter(exp))
	return &fixture{ledger: ledger, bc: bc, sub: sub, export: exp, svc: svc}
}

func decodeBatch(t *testing.T, body string) models.Batch {
	t.Helper()
	var b models.Batch
	require.NoError(t, json.Unmarshal([]byte(body), &b))
	return b
}

func drain(ch <-chan models.AlertEvent) []models.AlertEvent {
	var out []models.AlertEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestIngestCreatesAlertsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := decodeBatch(t, `{"host":"web-1","connections":[
		{"pid":10,"exe":"curl","laddr":"10.0.0.2","raddr":"evil.example:443","rport":443,"ts":1728555010},
		{"raddr":"192.0.2.1"},
		{"pid":"garbage","raddr":" 203.0.113.7 "},
		{"raddr":null}
	]}`)

	res, err := f.svc.Ingest(ctx, token, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.AlertsCreated)

	events := drain(f.sub)
	require.Len(t, events, 2)
	assert.Equal(t, "alert", events[0].Type)
	assert.Equal(t, "IOC match on evil.example:443 (host web-1)", events[0].Message)
	assert.Equal(t, "evil.example", events[0].Indicator)
	assert.Equal(t, "203.0.113.7", events[1].RemoteAddr)
	assert.Less(t, events[0].AlertID, events[1].AlertID)
	assert.NotZero(t, events[0].ConnectionID)

	stats, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Connections)
	assert.Equal(t, int64(2), stats.Alerts)

	require.Len(t, f.export.outcomes, 1)
	out := f.export.outcomes[0]
	assert.Equal(t, SourceHTTP, out.Source)
	require.Len(t, out.Connections, 4)
	assert.Nil(t, out.Connections[2].PID, "malformed pid stays absent")
	assert.Equal(t, "", out.Connections[3].RemoteAddr)
	assert.True(t, out.Connections[0].ObservedAt.Equal(time.Unix(1728555010, 0)))
	assert.Len(t, out.Alerts, 2)
}

func TestIngestUnauthorizedWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tok := range []string{"", "wrong"} {
		_, err := f.svc.Ingest(ctx, tok, decodeBatch(t, `{"host":"h","connections":[{"raddr":"203.0.113.7"}]}`))
		assert.ErrorIs(t, err, ErrUnauthorized)
	}

	stats, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Connections)
	assert.Empty(t, drain(f.sub))
	assert.Empty(t, f.export.outcomes)
}

func TestIngestHostFallbackAndEmptyBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, token, decodeBatch(t, `{"connections":[{"raddr":"evil.example"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlertsCreated)
	ev := drain(f.sub)
	require.Len(t, ev, 1)
	assert.Equal(t, "unknown", ev[0].Host)

	res, err = f.svc.Ingest(ctx, token, decodeBatch(t, `{"host":"h","connections":"nope"}`))
	require.NoError(t, err)
	assert.Zero(t, res.AlertsCreated)
}

func TestIngestRepeatedBatchesAlertEachTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := decodeBatch(t, `{"host":"h","connections":[{"raddr":"203.0.113.7"}]}`)

	for i := 0; i < 3; i++ {
		res, err := f.svc.Ingest(ctx, token, batch)
		require.NoError(t, err)
		assert.Equal(t, 1, res.AlertsCreated)
	}
	stats, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Alerts)
}

func TestIngestConcurrentBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Ingest(ctx, token, decodeBatch(t, `{"host":"h","connections":[{"raddr":"203.0.113.7"},{"raddr":"192.0.2.9"}]}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(16), stats.Connections)
	assert.Equal(t, int64(8), stats.Alerts)
}

func TestIngestDisabledIndicatorKeepsExistingAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := decodeBatch(t, `{"host":"h","connections":[{"raddr":"203.0.113.7"},{"raddr":"evil.example:443"}]}`)

	res, err := f.svc.Ingest(ctx, token, batch)
	require.NoError(t, err)
	require.Equal(t, 2, res.AlertsCreated)
	drain(f.sub)

	inds, err := f.ledger.LoadEnabledIndicators(ctx)
	require.NoError(t, err)
	for _, ind := range inds {
		require.NoError(t, f.ledger.SetIndicatorEnabled(ctx, ind.ID, false))
	}

	res, err = f.svc.Ingest(ctx, token, batch)
	require.NoError(t, err)
	assert.Zero(t, res.AlertsCreated)
	assert.Empty(t, drain(f.sub))

	alerts, err := f.ledger.ListAlerts(ctx, models.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, models.AlertOpen, a.Status)
	}

	stats, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Connections)
}

// failingLedger fails the n-th write of a batch.
type failingLedger struct {
	domrepo.Ledger
	failAt     int
	rolledBack bool
}

type failingTx struct {
	l      *failingLedger
	writes int
}

func (l *failingLedger) LoadEnabledIndicators(context.Context) ([]models.Indicator, error) {
	return []models.Indicator{{ID: 1, Value: "203.0.113.7", Kind: models.KindIP, Enabled: true}}, nil
}

func (l *failingLedger) Begin(context.Context) (domrepo.LedgerTx, error) {
	return &failingTx{l: l}, nil
}

func (tx *failingTx) RecordConnection(context.Context, *models.ConnectionRecord) (int64, error) {
	tx.writes++
	if tx.writes == tx.l.failAt {
		return 0, errors.New("disk full")
	}
	return int64(tx.writes), nil
}

func (tx *failingTx) RecordAlert(_ context.Context, ind, conn int64) (models.Alert, error) {
	return models.Alert{ID: conn, IndicatorID: ind, ConnectionID: conn, Status: models.AlertOpen}, nil
}

func (tx *failingTx) Commit() error   { return nil }
func (tx *failingTx) Rollback() error { tx.l.rolledBack = true; return nil }

func TestIngestStorageFailureRollsBack(t *testing.T) {
	ledger := &failingLedger{failAt: 2}
	bc := broadcast.New()
	sub, err := bc.Subscribe()
	require.NoError(t, err)
	exp := &recordingExporter{}
	svc := NewIngestService(auth.NewSharedSecret(token), ledger, bc, metrics.Noop{}, WithExporter(exp))

	_, err = svc.Ingest(context.Background(), token,
		decodeBatch(t, `{"host":"h","connections":[{"raddr":"203.0.113.7"},{"raddr":"203.0.113.7"}]}`))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "record connection", se.Op)
	assert.True(t, ledger.rolledBack)
	assert.Empty(t, drain(sub), "no events for a rolled back batch")
	assert.Empty(t, exp.outcomes)
}

type slowLedger struct{ failingLedger }

func (l *slowLedger) Begin(ctx context.Context) (domrepo.LedgerTx, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIngestDeadline(t *testing.T) {
	ledger := &slowLedger{}
	svc := NewIngestService(auth.NewSharedSecret(token), ledger, broadcast.New(), metrics.Noop{},
		WithIngestTimeout(10*time.Millisecond))

	_, err := svc.Ingest(context.Background(), token, decodeBatch(t, `{"connections":[{"raddr":"x"}]}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var se *StorageError
	assert.ErrorAs(t, err, &se)
}

func TestIngestUsesIndicatorSourceOverride(t *testing.T) {
	f := newFixture(t)
	src := &staticSource{inds: []models.Indicator{{ID: 1, Value: "192.0.2.1", Kind: models.KindIP, Enabled: true}}}
	svc := NewIngestService(auth.NewSharedSecret(token), f.ledger, f.bc, metrics.Noop{}, WithIndicatorSource(src))

	res, err := svc.Ingest(context.Background(), token, decodeBatch(t, `{"connections":[{"raddr":"192.0.2.1"},{"raddr":"203.0.113.7"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlertsCreated)
	assert.Equal(t, 1, src.calls)
}

type staticSource struct {
	inds  []models.Indicator
	calls int
}

func (s *staticSource) LoadEnabledIndicators(context.Context) ([]models.Indicator, error) {
	s.calls++
	return s.inds, nil
}
