package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
)

func strp(s string) *string { return &s }

func TestReportOnceSendsBatch(t *testing.T) {
	var gotAuth string
	var got models.Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ingest", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte(`{"status":"ok","alerts_created":2}`))
	}))
	defer srv.Close()

	src := SourceFunc(func(context.Context) ([]models.RawConnection, error) {
		return []models.RawConnection{{RemoteAddr: strp("203.0.113.7")}, {RemoteAddr: strp("evil.example")}}, nil
	})
	r := NewReporter(Config{ServerURL: srv.URL + "/", Token: "tok", Host: "web-1"}, src, nil)

	n, err := r.ReportOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "web-1", got.Host)
	require.Len(t, got.Connections, 2)
	assert.Equal(t, "evil.example", *got.Connections[1].RemoteAddr)
}

func TestReportOnceSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()

	r := NewReporter(Config{ServerURL: srv.URL, Token: "bad", Host: "h"},
		SourceFunc(func(context.Context) ([]models.RawConnection, error) { return nil, nil }), nil)

	_, err := r.ReportOnce(context.Background())
	var se *xhttp.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestRunKeepsGoingAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","alerts_created":0}`))
	}))
	defer srv.Close()

	var srcCalls atomic.Int32
	src := SourceFunc(func(context.Context) ([]models.RawConnection, error) {
		if srcCalls.Add(1) == 2 {
			return nil, errors.New("netlink unavailable")
		}
		return nil, nil
	})
	r := NewReporter(Config{ServerURL: srv.URL, Token: "t", Host: "h", Interval: 10 * time.Millisecond}, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conns.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"raddr":"203.0.113.7","rport":"443"},{"pid":"x"}]`), 0o600))

	conns, err := FileSource(path).Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, 443, *conns[0].RemotePort)
	assert.Equal(t, []string{"pid"}, conns[1].Invalid)

	_, err = FileSource(filepath.Join(t.TempDir(), "missing.json")).Connections(context.Background())
	assert.Error(t, err)
}
