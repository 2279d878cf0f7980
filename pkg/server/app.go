package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	mid "github.com/WayB98/TIWatcher/internal/middleware"
	"github.com/WayB98/TIWatcher/internal/service/broadcast"
	"github.com/WayB98/TIWatcher/internal/service/relay"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	pkgkafka "github.com/WayB98/TIWatcher/pkg/kafka"
	applogger "github.com/WayB98/TIWatcher/pkg/logger"
)

// Option attaches an optional component to the App.
type Option func(*App)

// WithLedger closes the ledger last on shutdown.
func WithLedger(l domrepo.Ledger) Option {
	return func(a *App) { a.ledger = l }
}

func WithBroadcaster(b *broadcast.Broadcaster) Option {
	return func(a *App) { a.broadcaster = b }
}

// WithRelay starts the cross-replica event relay with the app.
func WithRelay(r *relay.Relay) Option {
	return func(a *App) { a.relay = r }
}

func WithExportPipeline(p *mid.ExportPipeline) Option {
	return func(a *App) { a.pipeline = p }
}

// WithConsumer runs the Kafka batch consumer with handler registered.
func WithConsumer(c *pkgkafka.Consumer, h pkgkafka.MessageHandler) Option {
	return func(a *App) {
		a.consumer = c
		a.handler = h
	}
}

// WithClosers registers infrastructure clients closed after every worker
// has stopped, in the order given. Nil entries are skipped.
func WithClosers(closers ...io.Closer) Option {
	return func(a *App) { a.closers = append(a.closers, closers...) }
}

// App encapsulates the entire application lifecycle.
type App struct {
	log             *applogger.Logger
	httpServer      *xhttp.Server
	shutdownTimeout time.Duration

	ledger      domrepo.Ledger
	broadcaster *broadcast.Broadcaster
	relay       *relay.Relay
	pipeline    *mid.ExportPipeline
	consumer    *pkgkafka.Consumer
	handler     pkgkafka.MessageHandler
	closers     []io.Closer
}

// New creates a new App around the HTTP server.
func New(log *applogger.Logger, httpServer *xhttp.Server, shutdownTimeout time.Duration, opts ...Option) *App {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	a := &App{log: log, httpServer: httpServer, shutdownTimeout: shutdownTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx)
}

// Serve starts every component and blocks until ctx is done or the HTTP
// server fails, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.pipeline != nil {
		a.pipeline.Start(workCtx)
		a.log.Info("export pipeline started", applogger.Strings("sinks", a.pipeline.Sinks()))
	}

	if a.relay != nil {
		if err := a.relay.Start(); err != nil {
			a.shutdown()
			return fmt.Errorf("start relay: %w", err)
		}
	}

	if a.consumer != nil && a.handler != nil {
		a.consumer.RegisterHandler(a.handler)
		if err := a.consumer.Start(workCtx); err != nil {
			a.shutdown()
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		a.log.Info("kafka consumer started", applogger.String("topic", a.handler.Topic()))
	}

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		a.shutdown()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case runErr = <-a.httpServer.Errors():
	}

	a.shutdown()
	return runErr
}

// shutdown ends live streams and stops intake first, then drains workers,
// then closes storage. Each stage gets its own deadline.
func (a *App) shutdown() {
	a.log.Info("shutting down...")

	// observers only leave once their channel closes
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}

	a.stage(func(ctx context.Context) {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	})

	if a.consumer != nil {
		a.stage(func(ctx context.Context) {
			if err := a.consumer.Stop(ctx); err != nil {
				a.log.Warn("kafka consumer stop error", applogger.Error(err))
			}
		})
	}

	if a.pipeline != nil {
		a.stage(a.pipeline.Stop)
	}

	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.log.Warn("relay close error", applogger.Error(err))
		}
	}

	// flush aggregated errors while the producer is still open
	a.log.RemoveCollector()

	for _, c := range a.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			a.log.Warn("close error", applogger.Error(err))
		}
	}

	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Warn("ledger close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
}

func (a *App) stage(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	fn(ctx)
}
