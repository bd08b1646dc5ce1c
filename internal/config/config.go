package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// IngestConfig configures the import pipeline.
type IngestConfig struct {
	Workers        int     `yaml:"workers" mapstructure:"workers"`
	FilesPerSecond float64 `yaml:"files_per_second" mapstructure:"files_per_second"`
	ReferencePath  string  `yaml:"reference_path" mapstructure:"reference_path"`
	SourceSystem   string  `yaml:"source_system" mapstructure:"source_system"`
	SourceTable    string  `yaml:"source_table" mapstructure:"source_table"`
	EventType      string  `yaml:"event_type" mapstructure:"event_type"`
	Reprocess      bool    `yaml:"reprocess" mapstructure:"reprocess"`
	Retries        int     `yaml:"retries" mapstructure:"retries"`
}

// MatchConfig configures subscriber matching.
type MatchConfig struct {
	ExcludedEventTypes []string `yaml:"excluded_event_types" mapstructure:"excluded_event_types"`
	RequireBirthDate   bool     `yaml:"require_birth_date" mapstructure:"require_birth_date"`
}

// LockConfig configures per-hash locking. An empty RedisURL selects the
// in-process locker.
type LockConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// ServerConfig configures the review API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures run-health alerts. Alerts are only checked in
// the background when WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ErrorRateThreshold     float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	ReviewBacklogThreshold int     `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("KENSHIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "kenshin.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.files_per_second", 0)
	v.SetDefault("ingest.reference_path", "reference.yaml")
	v.SetDefault("ingest.source_system", "MEDI")
	v.SetDefault("ingest.source_table", "medi_xml_receipts")
	v.SetDefault("ingest.event_type", "kenshin")
	v.SetDefault("ingest.reprocess", false)
	v.SetDefault("ingest.retries", 3)
	v.SetDefault("match.excluded_event_types", []string{})
	v.SetDefault("match.require_birth_date", true)
	v.SetDefault("lock.redis_url", "")
	v.SetDefault("lock.ttl_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.error_rate_threshold", 0.05)
	v.SetDefault("monitoring.review_backlog_threshold", 500)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by a command mode: "ingest",
// "judge", "review", "serve", or "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "ingest", "judge":
		if c.Ingest.Workers < 1 || c.Ingest.Workers > 64 {
			problems = append(problems, "ingest.workers must be between 1 and 64")
		}
		if c.Ingest.FilesPerSecond < 0 {
			problems = append(problems, "ingest.files_per_second must be >= 0")
		}
		if c.Ingest.ReferencePath == "" {
			problems = append(problems, "ingest.reference_path is required")
		}
		if mode == "ingest" && (c.Ingest.SourceSystem == "" || c.Ingest.SourceTable == "") {
			problems = append(problems, "ingest.source_system and ingest.source_table are required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "migrate", "review":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Lock.RedisURL != "" && c.Lock.TTLSecs <= 0 {
		problems = append(problems, "lock.ttl_secs must be > 0 when lock.redis_url is set")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
