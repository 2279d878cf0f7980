//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"github.com/WayB98/TIWatcher/pkg/config"
	"github.com/WayB98/TIWatcher/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,
		ProvideKafkaMetrics,

		// Storage
		ProvideDatabase,
		ProvideSQLLedger,
		ProvideLedger,
		ProvideSnapshotCache,
		ProvideIndicatorSource,

		// Live events
		ProvideBroadcaster,
		ProvideRelay,
		ProvideEventPublisher,

		// Export
		ProvideKafkaProducer,
		ProvideClickHouseClient,
		ProvideExportSinks,
		ProvideExportPipeline,

		// Use cases
		ProvideAuthenticator,
		ProvideLimiter,
		ProvideIngestService,
		ProvideKafkaConsumer,
		ProvideKafkaBatchHandler,

		// Application server
		ProvideHandlers,
		ProvideHTTPServer,
		ProvideApp,
	)
	return &server.App{}, nil
}
