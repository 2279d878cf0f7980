package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	xlogger "github.com/WayB98/TIWatcher/pkg/logger"
)

// Source lists the host's current connections.
type Source interface {
	Connections(ctx context.Context) ([]models.RawConnection, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]models.RawConnection, error)

func (f SourceFunc) Connections(ctx context.Context) ([]models.RawConnection, error) { return f(ctx) }

// FileSource reads a JSON array of connection entries from a file on every
// call, so an external collector can keep rewriting it.
type FileSource string

func (f FileSource) Connections(context.Context) ([]models.RawConnection, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("read connections: %w", err)
	}
	var conns []models.RawConnection
	if err := json.Unmarshal(b, &conns); err != nil {
		return nil, fmt.Errorf("parse connections: %w", err)
	}
	return conns, nil
}

type Config struct {
	ServerURL string
	Token     string
	Host      string
	Interval  time.Duration
}

// Reporter periodically posts the host's connections to the ingest
// endpoint. A failed report is logged and the next tick tries again with
// fresh data.
type Reporter struct {
	cfg    Config
	src    Source
	client *xhttp.Client
	l      *xlogger.Logger
}

func NewReporter(cfg Config, src Source, l *xlogger.Logger, opts ...xhttp.ClientOption) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Host == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Host = h
		}
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if l == nil {
		l = xlogger.Nop()
	}
	if len(opts) == 0 {
		opts = []xhttp.ClientOption{xhttp.WithTimeout(10 * time.Second)}
	}
	return &Reporter{cfg: cfg, src: src, client: xhttp.NewClient(opts...), l: l}
}

// Run reports immediately and then on every interval until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	r.l.Info("reporter started",
		xlogger.String("server", r.cfg.ServerURL),
		xlogger.String("host", r.cfg.Host),
		xlogger.Duration("interval_ms", r.cfg.Interval),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if n, err := r.ReportOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.l.Warn("report failed", xlogger.Error(err))
		} else if n > 0 {
			r.l.Info("server raised alerts", xlogger.Int("alerts_created", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReportOnce sends one batch and returns how many alerts it raised.
func (r *Reporter) ReportOnce(ctx context.Context) (int, error) {
	conns, err := r.src.Connections(ctx)
	if err != nil {
		return 0, err
	}
	if conns == nil {
		conns = []models.RawConnection{}
	}

	var resp models.IngestResponse
	err = r.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  "POST",
		URL:     r.cfg.ServerURL + "/api/ingest",
		Headers: map[string]string{"Authorization": "Bearer " + r.cfg.Token},
		Body:    models.Batch{Host: r.cfg.Host, Connections: conns},
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.AlertsCreated, nil
}
