package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "synchub.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// CLIFlags holds command-line overrides. Nil fields were not given.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	NodeID     *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Both "-p" and "--port" forms are accepted.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("synchub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var configPath, port, logLevel, dsn, natsURL, nodeID string
	fs.StringVar(&configPath, "config", "", "path to YAML config")
	fs.StringVar(&configPath, "c", "", "path to YAML config (shorthand)")
	fs.StringVar(&port, "port", "", "HTTP listen port")
	fs.StringVar(&port, "p", "", "HTTP listen port (shorthand)")
	fs.StringVar(&logLevel, "log-level", "", "log level")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL DSN")
	fs.StringVar(&natsURL, "nats-url", "", "NATS URL")
	fs.StringVar(&nodeID, "node-id", "", "bridge node identity")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var flags CLIFlags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = &configPath
		case "port", "p":
			flags.Port = &port
		case "log-level":
			flags.LogLevel = &logLevel
		case "dsn":
			flags.DSN = &dsn
		case "nats-url":
			flags.NatsURL = &natsURL
		case "node-id":
			flags.NodeID = &nodeID
		}
	})
	return flags, nil
}

// LoadWithCLI loads configuration with CLI flags applied last.
// It returns the resolved YAML path alongside the config.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
	if flags.NodeID != nil {
		cfg.Node.ID = *flags.NodeID
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SYNCHUB_PORT")
	setString(&cfg.Server.CORSOrigin, "SYNCHUB_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimit, "SYNCHUB_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "SYNCHUB_RATE_BURST")
	setString(&cfg.Node.ID, "SYNCHUB_NODE_ID")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SYNCHUB_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SYNCHUB_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SYNCHUB_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SYNCHUB_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SYNCHUB_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SYNCHUB_REDIS_POOL_SIZE")

	setString(&cfg.Bridge.Backend, "SYNCHUB_BRIDGE_BACKEND")
	setString(&cfg.Bridge.Subject, "SYNCHUB_BRIDGE_SUBJECT")
	setString(&cfg.EventLog.Backend, "SYNCHUB_EVENT_LOG_BACKEND")
	setString(&cfg.EventLog.Key, "SYNCHUB_EVENT_LOG_KEY")

	setString(&cfg.Auth.JWTSecret, "SYNCHUB_JWT_SECRET")
	setString(&cfg.Auth.JWTSecretFile, "SYNCHUB_JWT_SECRET_FILE")
	setString(&cfg.Auth.Issuer, "SYNCHUB_JWT_ISSUER")
	setString(&cfg.Auth.Audience, "SYNCHUB_JWT_AUDIENCE")
	setBool(&cfg.Auth.ProtectAPI, "SYNCHUB_PROTECT_API")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "SYNCHUB_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "SYNCHUB_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.TTL, "SYNCHUB_CACHE_TTL")

	// Sync
	setBool(&cfg.Sync.RealtimeEnabled, "SYNCHUB_REALTIME_ENABLED")
	setBool(&cfg.Sync.BatchEnabled, "SYNCHUB_BATCH_ENABLED")
	setInt(&cfg.Sync.BatchSize, "SYNCHUB_BATCH_SIZE")
	setDuration(&cfg.Sync.BatchInterval, "SYNCHUB_BATCH_INTERVAL")
	setInt(&cfg.Sync.RetryLimit, "SYNCHUB_RETRY_LIMIT")
	setString(&cfg.Sync.ConflictStrategy, "SYNCHUB_CONFLICT_STRATEGY")
	setBool(&cfg.Sync.Compression, "SYNCHUB_COMPRESSION")
	setBool(&cfg.Sync.Encryption, "SYNCHUB_ENCRYPTION")
	setStrings(&cfg.Sync.HighPriorityEntities, "SYNCHUB_HIGH_PRIORITY_ENTITIES")
	setInt(&cfg.Sync.QueueSize, "SYNCHUB_QUEUE_SIZE")
	setInt64(&cfg.Sync.EventLogMax, "SYNCHUB_EVENT_LOG_MAX")
	setDuration(&cfg.Sync.PollTimeout, "SYNCHUB_POLL_TIMEOUT")

	// WebSocket
	setDuration(&cfg.WS.HeartbeatInterval, "SYNCHUB_HEARTBEAT_INTERVAL")
	setDuration(&cfg.WS.HandshakeTimeout, "SYNCHUB_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.WS.WriteTimeout, "SYNCHUB_WRITE_TIMEOUT")

	// Change detection
	setBool(&cfg.Changes.Enabled, "SYNCHUB_CHANGEFEED_ENABLED")
	setString(&cfg.Changes.Channel, "SYNCHUB_CHANGEFEED_CHANNEL")
	setStrings(&cfg.Changes.Entities, "SYNCHUB_CHANGEFEED_ENTITIES")

	// Delivery
	setString(&cfg.Delivery.SlackWebhookURL, "SYNCHUB_SLACK_WEBHOOK_URL")
	setString(&cfg.Delivery.DiscordWebhookURL, "SYNCHUB_DISCORD_WEBHOOK_URL")
	setString(&cfg.Delivery.SMTPHost, "SYNCHUB_SMTP_HOST")
	setInt(&cfg.Delivery.SMTPPort, "SYNCHUB_SMTP_PORT")
	setString(&cfg.Delivery.SMTPFrom, "SYNCHUB_SMTP_FROM")
	setString(&cfg.Delivery.SMTPPassword, "SYNCHUB_SMTP_PASSWORD")
	setString(&cfg.Delivery.SMTPTo, "SYNCHUB_SMTP_TO")
	setStrings(&cfg.Delivery.EnabledKinds, "SYNCHUB_DELIVERY_KINDS")
	setInt(&cfg.Delivery.MaxConcurrent, "SYNCHUB_DELIVERY_CONCURRENCY")

	setString(&cfg.Logging.Level, "SYNCHUB_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SYNCHUB_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SYNCHUB_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "SYNCHUB_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SYNCHUB_BREAKER_TIMEOUT")

	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "OTEL_EXPORTER_OTLP_INSECURE")
	setDuration(&cfg.Telemetry.Interval, "SYNCHUB_OTEL_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Bridge.Backend {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
	default:
		return fmt.Errorf("bridge.backend %q must be nats or redis", cfg.Bridge.Backend)
	}
	if cfg.Bridge.Subject == "" {
		return errors.New("bridge.subject is required")
	}
	switch cfg.EventLog.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
	default:
		return fmt.Errorf("event_log.backend %q must be memory, redis or postgres", cfg.EventLog.Backend)
	}
	if cfg.Changes.Enabled && cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Sync.BatchSize < 1 {
		return errors.New("sync.batch_size must be >= 1")
	}
	if cfg.Sync.BatchInterval <= 0 {
		return errors.New("sync.batch_interval must be > 0")
	}
	if cfg.Sync.QueueSize < 1 {
		return errors.New("sync.queue_size must be >= 1")
	}
	if cfg.Sync.EventLogMax < 1 {
		return errors.New("sync.event_log_max must be >= 1")
	}
	if cfg.Sync.PollTimeout <= 0 {
		return errors.New("sync.poll_timeout must be > 0")
	}
	if cfg.WS.HeartbeatInterval <= 0 {
		return errors.New("ws.heartbeat_interval must be > 0")
	}
	if cfg.WS.HandshakeTimeout <= 0 {
		return errors.New("ws.handshake_timeout must be > 0")
	}
	if cfg.Server.RateLimit < 0 || (cfg.Server.RateLimit > 0 && cfg.Server.RateBurst < 1) {
		return errors.New("server.rate_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Auth.ProtectAPI && cfg.Auth.JWTSecret == "" && cfg.Auth.JWTSecretFile == "" {
		return errors.New("auth.jwt_secret or auth.jwt_secret_file is required when auth.protect_api is set")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStrings parses a comma-separated list, dropping empty items.
func setStrings(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
