package di

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WayB98/TIWatcher/pkg/config"
)

func TestInitializeAppWithDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Database.URL = filepath.Join(t.TempDir(), "tiwatcher.db")
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Logging.Output = "stderr"

	app, err := InitializeApp(cfg)
	require.NoError(t, err)
	require.NotNil(t, app)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, app.Serve(ctx))
}

func TestProvidersSkipDisabledInfrastructure(t *testing.T) {
	cfg := config.Default()

	producer, err := ProvideKafkaProducer(cfg, nil)
	require.NoError(t, err)
	require.Nil(t, producer)

	ch, err := ProvideClickHouseClient(cfg)
	require.NoError(t, err)
	require.Nil(t, ch)

	consumer, err := ProvideKafkaConsumer(cfg, nil, nil)
	require.NoError(t, err)
	require.Nil(t, consumer)

	r, err := ProvideRelay(cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, r)

	require.Empty(t, ProvideExportSinks(cfg, nil, nil))
	require.Nil(t, ProvideExportPipeline(cfg, nil, nil, nil))
}
