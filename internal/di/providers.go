package di

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/internal/handler/api"
	mid "github.com/WayB98/TIWatcher/internal/middleware"
	internalrepo "github.com/WayB98/TIWatcher/internal/repository"
	"github.com/WayB98/TIWatcher/internal/service/auth"
	"github.com/WayB98/TIWatcher/internal/service/broadcast"
	"github.com/WayB98/TIWatcher/internal/service/ratelimit"
	"github.com/WayB98/TIWatcher/internal/service/relay"
	"github.com/WayB98/TIWatcher/internal/usecase"
	"github.com/WayB98/TIWatcher/pkg/cache"
	pkgch "github.com/WayB98/TIWatcher/pkg/clickhouse"
	"github.com/WayB98/TIWatcher/pkg/config"
	"github.com/WayB98/TIWatcher/pkg/database"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	pkgkafka "github.com/WayB98/TIWatcher/pkg/kafka"
	applogger "github.com/WayB98/TIWatcher/pkg/logger"
	"github.com/WayB98/TIWatcher/pkg/metrics"
	"github.com/WayB98/TIWatcher/pkg/server"
)

// ProvideLogger builds the application logger from config.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideRegistry creates the Prometheus registry every component registers into.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.New(reg)
}

func ProvideKafkaMetrics(reg *prometheus.Registry) *pkgkafka.Metrics {
	return pkgkafka.NewMetrics(reg)
}

// ProvideDatabase opens the ledger database and applies the schema.
func ProvideDatabase(cfg *config.Config) (*database.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database.URL,
		database.WithMaxConnections(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns),
		database.WithConnMaxLifetime(cfg.Database.ConnMaxLifetime),
		database.WithBusyTimeout(cfg.Database.BusyTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema: %w", err)
	}
	return db, nil
}

func ProvideSQLLedger(db *database.DB) *internalrepo.SQLLedger {
	return internalrepo.NewSQLLedger(db)
}

func ProvideLedger(l *internalrepo.SQLLedger) repository.Ledger {
	return l
}

// ProvideSnapshotCache picks the cache backend for the enabled indicator set.
func ProvideSnapshotCache(cfg *config.Config) (cache.Service, error) {
	sc := cfg.SnapshotCache
	if sc.Backend == "memory" {
		return cache.NewMemoryCache(cache.WithMemoryMaxSize(16), cache.WithMemoryCleanup(time.Minute)), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rc, err := cache.NewRedisCache(ctx,
		cache.WithRedisAddr(sc.Redis.Host, sc.Redis.Port),
		cache.WithRedisAuth(sc.Redis.Password, sc.Redis.DB),
		cache.WithRedisPrefix(sc.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	if sc.Backend == "layered" {
		return cache.NewLayeredCache(rc, cache.WithLayeredMemory(16, sc.TTL)), nil
	}
	return rc, nil
}

// ProvideIndicatorSource fronts the ledger with the snapshot cache when a
// TTL is configured.
func ProvideIndicatorSource(cfg *config.Config, ledger *internalrepo.SQLLedger, c cache.Service, l *applogger.Logger) repository.IndicatorSource {
	if cfg.SnapshotCache.TTL <= 0 {
		return ledger
	}
	return internalrepo.NewCachedIndicatorSource(ledger, c, cfg.SnapshotCache.TTL, l)
}

func ProvideBroadcaster(cfg *config.Config, m repository.Metrics) *broadcast.Broadcaster {
	return broadcast.New(
		broadcast.WithCapacity(cfg.Broadcast.SubscriberBuffer),
		broadcast.WithMetrics(m),
	)
}

// ProvideRelay connects to NATS when enabled; nil otherwise.
func ProvideRelay(cfg *config.Config, bc *broadcast.Broadcaster, m repository.Metrics, l *applogger.Logger) (*relay.Relay, error) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	t, err := relay.DialNATS(cfg.NATS.URL, l)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}
	return relay.New(t, cfg.NATS.Subject, bc, m, l), nil
}

// ProvideEventPublisher routes alert events through the relay when one is
// configured so every replica's observers see them.
func ProvideEventPublisher(bc *broadcast.Broadcaster, r *relay.Relay) repository.EventPublisher {
	if r != nil {
		return r
	}
	return bc
}

// ProvideKafkaProducer creates a Kafka producer; nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config, km *pkgkafka.Metrics) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithDelivery(cfg.Kafka.RequiredAcks, cfg.Kafka.Compression, cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerMetrics(km),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideClickHouseClient creates a ClickHouse client and its archive
// table; nil when ClickHouse is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chc := cfg.ClickHouse
	client, err := pkgch.NewClient(ctx,
		pkgch.WithAddr(chc.Host, chc.Port),
		pkgch.WithDatabase(chc.Database),
		pkgch.WithCredentials(chc.User, chc.Password),
		pkgch.WithHTTP(chc.UseHTTP),
		pkgch.WithAsyncInsert(chc.AsyncInsert, chc.WaitForAsync),
		pkgch.WithTimeouts(chc.DialTimeout, chc.ReadTimeout),
		pkgch.WithMaxExecutionTime(chc.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS " + chc.Database,
		pkgch.ArchiveTableDDL(archiveTable(cfg)),
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

func archiveTable(cfg *config.Config) string {
	return cfg.ClickHouse.Database + "." + cfg.ClickHouse.Table
}

// ProvideExportSinks lists the downstream sinks that are switched on.
func ProvideExportSinks(cfg *config.Config, producer *pkgkafka.Producer, ch *pkgch.Client) []repository.ExportSink {
	var sinks []repository.ExportSink
	if producer != nil {
		sinks = append(sinks, internalrepo.NewKafkaAlertExporter(producer, cfg.Kafka.AlertsTopic))
	}
	if ch != nil {
		sinks = append(sinks, internalrepo.NewClickHouseArchive(ch.DB(), archiveTable(cfg)))
	}
	return sinks
}

// ProvideExportPipeline buffers committed batches for the sinks; nil when
// there are none.
func ProvideExportPipeline(cfg *config.Config, sinks []repository.ExportSink, m repository.Metrics, l *applogger.Logger) *mid.ExportPipeline {
	if len(sinks) == 0 {
		return nil
	}
	return mid.NewExportPipeline(sinks, m,
		mid.WithBufferSize(cfg.Export.BufferSize),
		mid.WithMaxAttempts(cfg.Export.MaxAttempts),
		mid.WithBackoff(cfg.Export.BackoffMin, cfg.Export.BackoffMax),
		mid.WithLogger(l),
	)
}

func ProvideAuthenticator(cfg *config.Config) auth.Authenticator {
	return auth.NewSharedSecret(cfg.Auth.AgentToken)
}

func ProvideLimiter(cfg *config.Config) *ratelimit.Limiter {
	rl := cfg.Ingest.RateLimit
	return ratelimit.New(rl.Capacity, rl.RefillPerSec)
}

// ProvideIngestService creates the ingest use case.
func ProvideIngestService(
	cfg *config.Config,
	authn auth.Authenticator,
	ledger repository.Ledger,
	source repository.IndicatorSource,
	events repository.EventPublisher,
	pipe *mid.ExportPipeline,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.IngestService {
	opts := []usecase.IngestOption{
		usecase.WithIngestTimeout(cfg.Ingest.Timeout),
		usecase.WithIndicatorSource(source),
		usecase.WithIngestLogger(l),
	}
	if pipe != nil {
		opts = append(opts, usecase.WithExporter(pipe))
	}
	return usecase.NewIngestService(authn, ledger, events, m, opts...)
}

// ProvideKafkaConsumer creates the batch consumer; nil unless enabled.
func ProvideKafkaConsumer(cfg *config.Config, km *pkgkafka.Metrics, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	cc := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(l,
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers, cc.GroupID),
		pkgkafka.WithConsumerWorkers(cc.Workers, cc.BufferSize),
		pkgkafka.WithConsumerRetry(cc.RetryMax, cc.BackoffMin, cc.BackoffMax),
		pkgkafka.WithConsumerDLQ(cc.DLQTopic),
		pkgkafka.WithConsumerFetch(cc.MinBytes, cc.MaxBytes),
		pkgkafka.WithConsumerMetrics(km),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.LoggingHook(l))
	return consumer, nil
}

// ProvideKafkaBatchHandler handles agent batches arriving over Kafka.
func ProvideKafkaBatchHandler(cfg *config.Config, svc *usecase.IngestService, m repository.Metrics) *usecase.KafkaBatchHandler {
	return usecase.NewKafkaBatchHandler(cfg.Kafka.Consumer.Topic, svc, m)
}

// ProvideHandlers lists every HTTP route group.
func ProvideHandlers(
	cfg *config.Config,
	l *applogger.Logger,
	svc *usecase.IngestService,
	limiter *ratelimit.Limiter,
	ledger repository.Ledger,
	bc *broadcast.Broadcaster,
) []xhttp.Handler {
	return []xhttp.Handler{
		api.NewIngestEchoHandler(l, svc, limiter),
		api.NewAlertsEchoHandler(l, ledger),
		api.NewEventsEchoHandler(l, bc, cfg.Broadcast.Keepalive),
	}
}

// ProvideHTTPServer builds the Echo server with metrics when enabled.
func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, handlers []xhttp.Handler, reg *prometheus.Registry) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithAddr(cfg.Server.Host, cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(reg, cfg.Metrics.Path, cfg.Server.SlowThreshold))
	}
	return xhttp.NewServer(l, handlers, opts...)
}

// ProvideApp assembles the application lifecycle. Disabled components are
// nil and left out.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	srv *xhttp.Server,
	ledger repository.Ledger,
	bc *broadcast.Broadcaster,
	r *relay.Relay,
	pipe *mid.ExportPipeline,
	consumer *pkgkafka.Consumer,
	handler *usecase.KafkaBatchHandler,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	c cache.Service,
) *server.App {
	opts := []server.Option{
		server.WithLedger(ledger),
		server.WithBroadcaster(bc),
	}
	if r != nil {
		opts = append(opts, server.WithRelay(r))
	}
	if pipe != nil {
		opts = append(opts, server.WithExportPipeline(pipe))
	}
	if consumer != nil {
		opts = append(opts, server.WithConsumer(consumer, handler))
	}

	var closers []io.Closer
	if producer != nil {
		if cfg.Logging.CollectTopic != "" {
			l.AddCollector(&applogger.CollectionConfig{
				TimeInterval: cfg.Logging.CollectEvery,
				Topic:        cfg.Logging.CollectTopic,
				Publisher:    producer,
			})
		}
		closers = append(closers, producer)
	}
	if ch != nil {
		closers = append(closers, ch)
	}
	closers = append(closers, c)
	opts = append(opts, server.WithClosers(closers...))

	return server.New(l, srv, cfg.Server.ShutdownTimeout, opts...)
}
