package server

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/internal/handler/api"
	mid "github.com/WayB98/TIWatcher/internal/middleware"
	"github.com/WayB98/TIWatcher/internal/service/broadcast"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	applogger "github.com/WayB98/TIWatcher/pkg/logger"
	"github.com/WayB98/TIWatcher/pkg/metrics"
)

type closingLedger struct {
	domrepo.Ledger
	closed atomic.Bool
}

func (l *closingLedger) Close() error {
	l.closed.Store(true)
	return nil
}

type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

type nopSink struct{}

func (nopSink) Name() string                                      { return "nop" }
func (nopSink) Export(context.Context, models.BatchOutcome) error { return nil }

func TestAppServeShutsDownOnCancel(t *testing.T) {
	log := applogger.Nop()
	srv := xhttp.NewServer(log, nil, xhttp.WithAddr("127.0.0.1", 0))
	bc := broadcast.New()
	ledger := &closingLedger{}
	closer := &countingCloser{}
	pipe := mid.NewExportPipeline([]domrepo.ExportSink{nopSink{}}, metrics.Noop{})

	app := New(log, srv, time.Second,
		WithLedger(ledger),
		WithBroadcaster(bc),
		WithExportPipeline(pipe),
		WithClosers(closer, nil),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	assert.True(t, ledger.closed.Load())
	assert.Equal(t, int32(1), closer.n.Load())
	_, err := bc.Subscribe()
	assert.ErrorIs(t, err, broadcast.ErrClosed)
	assert.False(t, pipe.Submit(models.BatchOutcome{}))
}

func TestAppServeReturnsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	log := applogger.Nop()
	srv := xhttp.NewServer(log, nil, xhttp.WithAddr("127.0.0.1", port))
	ledger := &closingLedger{}
	app := New(log, srv, time.Second, WithLedger(ledger))

	done := make(chan error, 1)
	go func() { done <- app.Serve(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not report the listen error")
	}
	assert.True(t, ledger.closed.Load())
}

func TestAppShutdownEndsOpenEventStreams(t *testing.T) {
	log := applogger.Nop()
	bc := broadcast.New()
	events := api.NewEventsEchoHandler(log, bc, time.Minute)
	srv := xhttp.NewServer(log, []xhttp.Handler{events}, xhttp.WithAddr("127.0.0.1", 0))
	pipe := mid.NewExportPipeline([]domrepo.ExportSink{nopSink{}}, metrics.Noop{})

	shutdownTimeout := 3 * time.Second
	app := New(log, srv, shutdownTimeout, WithBroadcaster(bc), WithExportPipeline(pipe))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = srv.Echo().ListenerAddr()
		return addr != nil
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr.String() + "/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)
	require.Equal(t, 1, bc.Subscribers())

	start := time.Now()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * shutdownTimeout):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Less(t, time.Since(start), shutdownTimeout/2)
	assert.Zero(t, bc.Subscribers())
}
