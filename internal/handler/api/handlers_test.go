package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/internal/repository"
	"github.com/WayB98/TIWatcher/internal/service/auth"
	"github.com/WayB98/TIWatcher/internal/service/broadcast"
	"github.com/WayB98/TIWatcher/internal/service/ratelimit"
	"github.com/WayB98/TIWatcher/internal/usecase"
	"github.com/WayB98/TIWatcher/pkg/database"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	xlogger "github.com/WayB98/TIWatcher/pkg/logger"
	"github.com/WayB98/TIWatcher/pkg/metrics"
)

const agentToken = "supersecrettoken"

type testApp struct {
	e      *echo.Echo
	ledger *repository.SQLLedger
	bc     *broadcast.Broadcaster
}

func newTestApp(t *testing.T, limiter *ratelimit.Limiter) *testApp {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	ledger := repository.NewSQLLedger(db)
	t.Cleanup(func() { _ = ledger.Close() })

	_, err = ledger.AddIndicator(ctx, "203.0.113.7", models.KindIP)
	require.NoError(t, err)
	_, err = ledger.AddIndicator(ctx, "evil.example", models.KindDomain)
	require.NoError(t, err)

	bc := broadcast.New()
	t.Cleanup(bc.Close)
	svc := usecase.NewIngestService(auth.NewSharedSecret(agentToken), ledger, bc, metrics.Noop{})

	log := xlogger.Nop()
	srv := xhttp.NewServer(log, []xhttp.Handler{
		NewIngestEchoHandler(log, svc, limiter),
		NewAlertsEchoHandler(log, ledger),
		NewEventsEchoHandler(log, bc, 50*time.Millisecond),
	})
	return &testApp{e: srv.Echo(), ledger: ledger, bc: bc}
}

func (a *testApp) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.5:5555"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var b xhttp.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b.Error
}

func TestIngestEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	sub, err := app.bc.Subscribe()
	require.NoError(t, err)

	rec := app.do(http.MethodPost, "/api/ingest", agentToken,
		`{"host":"web-1","connections":[{"raddr":"203.0.113.7","rport":443},{"raddr":"192.0.2.1"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","alerts_created":1}`, rec.Body.String())

	select {
	case ev := <-sub:
		assert.Equal(t, "IOC match on 203.0.113.7 (host web-1)", ev.Message)
	default:
		t.Fatal("expected an alert event")
	}
}

func TestIngestEndpointAuthComesFirst(t *testing.T) {
	app := newTestApp(t, nil)

	for _, tok := range []string{"", "nope"} {
		rec := app.do(http.MethodPost, "/api/ingest", tok, `not even json`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthorized", errorBody(t, rec))
	}

	stats, err := app.ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Connections)
}

func TestIngestEndpointRejectsNonObjects(t *testing.T) {
	app := newTestApp(t, nil)
	for _, body := range []string{`not json`, `[1,2]`, `"str"`, `null`, ``} {
		rec := app.do(http.MethodPost, "/api/ingest", agentToken, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestIngestEndpointHostFallsBackToClientIP(t *testing.T) {
	app := newTestApp(t, nil)
	sub, err := app.bc.Subscribe()
	require.NoError(t, err)

	rec := app.do(http.MethodPost, "/api/ingest", agentToken, `{"connections":[{"raddr":"evil.example"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ev := <-sub
	assert.Equal(t, "198.51.100.5", ev.Host)
}

func TestIngestEndpointRateLimit(t *testing.T) {
	app := newTestApp(t, ratelimit.New(1, 0.0001))

	rec := app.do(http.MethodPost, "/api/ingest", agentToken, `{"host":"h","connections":[]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = app.do(http.MethodPost, "/api/ingest", agentToken, `{"host":"h","connections":[]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIngestEndpointStorageFailure(t *testing.T) {
	app := newTestApp(t, nil)
	require.NoError(t, app.ledger.Close())

	rec := app.do(http.MethodPost, "/api/ingest", agentToken, `{"host":"h","connections":[{"raddr":"x"}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "storage failure", errorBody(t, rec))
}

type stalledLedger struct{ domrepo.Ledger }

func (stalledLedger) LoadEnabledIndicators(ctx context.Context) ([]models.Indicator, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIngestEndpointTimeout(t *testing.T) {
	svc := usecase.NewIngestService(auth.NewSharedSecret(agentToken), stalledLedger{}, broadcast.New(), metrics.Noop{},
		usecase.WithIngestTimeout(10*time.Millisecond))
	e := xhttp.NewServer(xlogger.Nop(), []xhttp.Handler{NewIngestEchoHandler(xlogger.Nop(), svc, nil)}).Echo()

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(`{"connections":[{"raddr":"x"}]}`))
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+agentToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "timeout", errorBody(t, rec))
}

func TestAlertsEndpoints(t *testing.T) {
	app := newTestApp(t, nil)
	rec := app.do(http.MethodPost, "/api/ingest", agentToken,
		`{"host":"h","connections":[{"raddr":"203.0.113.7"},{"raddr":"evil.example"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Status int `json:"status"`
		Data   struct {
			Rows  []models.AlertView `json:"rows"`
			Total int64              `json:"total"`
		} `json:"data"`
	}
	rec = app.do(http.MethodGet, "/api/alerts", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data.Rows, 2)
	closeID := list.Data.Rows[0].ID

	rec = app.do(http.MethodPost, "/api/alerts/"+strconv.FormatInt(closeID, 10)+"/close", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = app.do(http.MethodPost, "/api/alerts/9999/close", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = app.do(http.MethodPost, "/api/alerts/abc/close", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = app.do(http.MethodGet, "/api/alerts?status=open&limit=10", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data.Rows, 1)
	assert.NotEqual(t, closeID, list.Data.Rows[0].ID)

	rec = app.do(http.MethodGet, "/api/alerts?status=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = app.do(http.MethodGet, "/api/alerts?since=yesterday", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = app.do(http.MethodGet, "/api/alerts?since=0", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data.Rows, 2)

	var stats struct {
		Data models.Stats `json:"data"`
	}
	rec = app.do(http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, models.Stats{Indicators: 2, Alerts: 2, OpenAlerts: 1, Connections: 2}, stats.Data)

	rec = app.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, app.ledger.Close())
	rec = app.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventStreamSSE(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	ev := models.AlertEvent{Type: "alert", Message: "IOC match on evil.example (host h)", AlertID: 1}
	require.Equal(t, 1, app.bc.Publish(ev))

	var data string
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSuffix(strings.TrimPrefix(line, "data: "), "\n")
			break
		}
	}
	var got models.AlertEvent
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, ev, got)

	// keepalive comments keep flowing
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if line == ": keepalive\n" {
			break
		}
	}

	cancel()
	assert.Eventually(t, func() bool { return app.bc.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventStreamWebSocket(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.e)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events/ws", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return app.bc.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	ev := models.AlertEvent{Type: "alert", AlertID: 7, Host: "h"}
	app.bc.Publish(ev)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.AlertEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, ev, got)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return app.bc.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
