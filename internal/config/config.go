package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/papertrade/pkg/secrets"
	"github.com/gregtusar/papertrade/pkg/store"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type BinanceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	StreamURL         string        `mapstructure:"stream_url"`
	UseStream         bool          `mapstructure:"use_stream"`
	StreamMaxAge      time.Duration `mapstructure:"stream_max_age"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type TradingConfig struct {
	Symbols          []string      `mapstructure:"symbols"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	MaxLeverage      int           `mapstructure:"max_leverage"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	CreditRetries    int           `mapstructure:"credit_retries"`
	CreditBackoff    time.Duration `mapstructure:"credit_backoff"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Path     string         `mapstructure:"path"`
	DSN      string         `mapstructure:"dsn"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// StoreOptions resolves the store backend. An explicit DSN wins over the postgres fields.
func (d DatabaseConfig) StoreOptions() store.Options {
	opts := store.Options{Driver: d.Driver, Path: d.Path}
	if d.Driver == store.DriverPostgres {
		opts.DSN = store.PostgresOptions{
			Host:       d.Postgres.Host,
			Port:       d.Postgres.Port,
			User:       d.Postgres.User,
			Password:   d.Postgres.Password,
			Database:   d.Postgres.Name,
			SSLMode:    d.Postgres.SSLMode,
			ConnString: d.DSN,
		}.DSN()
	}
	return opts
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type NotifyConfig struct {
	DiscordWebhook string        `mapstructure:"discord_webhook"`
	QueueSize      int           `mapstructure:"queue_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ProfilingConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ServerAddress   string `mapstructure:"server_address"`
	ApplicationName string `mapstructure:"application_name"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Load reads defaults, an optional YAML file, .env and the environment, in
// increasing order of precedence, then fills unset credentials from GCP.
func Load(configPath string, logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/papertrade")
	}

	v.SetEnvPrefix("PAPERTRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		if err := loadSecretsFromGCP(context.Background(), &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("binance.base_url", "https://api.binance.com")
	v.SetDefault("binance.stream_url", "wss://stream.binance.com:9443")
	v.SetDefault("binance.use_stream", false)
	v.SetDefault("binance.stream_max_age", 30*time.Second)
	v.SetDefault("binance.request_timeout", 3*time.Second)
	v.SetDefault("binance.requests_per_second", 10)
	v.SetDefault("binance.burst", 5)

	v.SetDefault("trading.symbols", []string{"BTCUSDT", "SOLUSDT", "ETHUSDT", "ETHFIUSDT"})
	v.SetDefault("trading.refresh_interval", 5*time.Second)
	v.SetDefault("trading.monitor_interval", 5*time.Second)
	v.SetDefault("trading.fetch_concurrency", 4)
	v.SetDefault("trading.max_leverage", 125)
	v.SetDefault("trading.store_timeout", 5*time.Second)
	v.SetDefault("trading.credit_retries", 3)
	v.SetDefault("trading.credit_backoff", 100*time.Millisecond)

	v.SetDefault("database.driver", store.DriverSQLite)
	v.SetDefault("database.path", "./data/papertrade.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.name", "papertrade")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("notify.discord_webhook", "")
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.server_address", "http://localhost:4040")
	v.SetDefault("profiling.application_name", "papertrade")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.jwt_secret", secretNames.JWTSecret)
	v.SetDefault("gcp.secret_names.database_dsn", secretNames.DatabaseDSN)
	v.SetDefault("gcp.secret_names.discord_webhook", secretNames.DiscordWebhook)
}

func overrideFromEnv(config *Config) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
	if webhook := os.Getenv("DISCORD_WEBHOOK_URL"); webhook != "" {
		config.Notify.DiscordWebhook = webhook
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Database.DSN = dsn
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Values already present in the file or environment win.
	if config.Auth.JWTSecret == "" {
		config.Auth.JWTSecret = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.JWTSecret, "")
	}
	if config.Database.DSN == "" {
		config.Database.DSN = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.DatabaseDSN, "")
	}
	if config.Notify.DiscordWebhook == "" {
		config.Notify.DiscordWebhook = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.DiscordWebhook, "")
	}

	logger.Info("Loaded secrets from GCP Secret Manager")
	return nil
}

// Validate checks the values the serve command cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, errors.New("trading.symbols must not be empty"))
	}
	if c.Trading.RefreshInterval <= 0 || c.Trading.MonitorInterval <= 0 {
		errs = append(errs, errors.New("trading intervals must be positive"))
	}
	if c.Trading.MaxLeverage < 1 {
		errs = append(errs, errors.New("trading.max_leverage must be at least 1"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}

	switch c.Database.Driver {
	case store.DriverMemory:
	case store.DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case store.DriverPostgres:
		if c.Database.DSN == "" && c.Database.Postgres.Host == "" {
			errs = append(errs, errors.New("database.dsn or database.postgres.host is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.GCP.UseSecrets && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("gcp.project_id is required when gcp.use_secrets is set"))
	}
	return errors.Join(errs...)
}
