package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/papertrade/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"), testLogger())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT", "ETHUSDT", "ETHFIUSDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 5*time.Second, cfg.Trading.RefreshInterval)
	assert.Equal(t, 5*time.Second, cfg.Trading.MonitorInterval)
	assert.Equal(t, 125, cfg.Trading.MaxLeverage)
	assert.Equal(t, 3*time.Second, cfg.Binance.RequestTimeout)
	assert.Equal(t, store.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "papertrade-jwt-secret", cfg.GCP.SecretNames.JWTSecret)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
trading:
  symbols: [BTCUSDT]
  monitor_interval: 2s
database:
  driver: memory
logging:
  level: debug
  format: text
`)
	t.Setenv("PAPERTRADE_SERVER_PORT", "9100")
	t.Setenv("PAPERTRADE_AUTH_JWT_SECRET", "from-env-0123456789")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.example/webhook")

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, ":9100", cfg.Server.Addr())
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 2*time.Second, cfg.Trading.MonitorInterval)
	assert.Equal(t, "from-env-0123456789", cfg.Auth.JWTSecret)
	assert.Equal(t, "https://discord.example/webhook", cfg.Notify.DiscordWebhook)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [\n"), testLogger())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"), testLogger())
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret")

	cfg.Auth.JWTSecret = "0123456789abcdef"
	assert.NoError(t, cfg.Validate())

	cfg.Database.Driver = "mongo"
	cfg.Logging.Format = "xml"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestStoreOptions(t *testing.T) {
	db := DatabaseConfig{Driver: store.DriverSQLite, Path: "/tmp/p.db"}
	assert.Equal(t, store.Options{Driver: store.DriverSQLite, Path: "/tmp/p.db"}, db.StoreOptions())

	db = DatabaseConfig{Driver: store.DriverPostgres, DSN: "postgres://u@h/db"}
	assert.Equal(t, "postgres://u@h/db", db.StoreOptions().DSN)

	db = DatabaseConfig{
		Driver:   store.DriverPostgres,
		Postgres: PostgresConfig{Host: "db", Port: 5432, Name: "papertrade", SSLMode: "require"},
	}
	assert.Contains(t, db.StoreOptions().DSN, "db:5432")
}
