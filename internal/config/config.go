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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	AmoCRM    AmoCRMConfig    `yaml:"amocrm" mapstructure:"amocrm"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Requalify RequalifyConfig `yaml:"requalify" mapstructure:"requalify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AmoCRMConfig configures the remote CRM gateway. Subdomain and
// AccessToken, when both set, bypass stored connections.
type AmoCRMConfig struct {
	BaseDomain       string  `yaml:"base_domain" mapstructure:"base_domain"`
	Subdomain        string  `yaml:"subdomain" mapstructure:"subdomain"`
	AccessToken      string  `yaml:"access_token" mapstructure:"access_token"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TokenSkewSecs    int     `yaml:"token_skew_secs" mapstructure:"token_skew_secs"`
	RetryAttempts    int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialMs   int     `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxMs       int     `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	CircuitThreshold int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// SyncConfig configures full and scoped reconciliation.
type SyncConfig struct {
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	LeadTimeoutSecs   int `yaml:"lead_timeout_secs" mapstructure:"lead_timeout_secs"`
	NotFoundSampleCap int `yaml:"not_found_sample_cap" mapstructure:"not_found_sample_cap"`
	ErrorSampleCap    int `yaml:"error_sample_cap" mapstructure:"error_sample_cap"`
}

// RequalifyConfig configures batch requalification. A negative DelayMs
// disables the inter-lead delay.
type RequalifyConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	DelayMs   int `yaml:"delay_ms" mapstructure:"delay_ms"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CRMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key needs one so AutomaticEnv can bind it on Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("amocrm.base_domain", "amocrm.ru")
	v.SetDefault("amocrm.subdomain", "")
	v.SetDefault("amocrm.access_token", "")
	v.SetDefault("amocrm.timeout_secs", 15)
	v.SetDefault("amocrm.rate_limit_rps", 7)
	v.SetDefault("amocrm.token_skew_secs", 60)
	v.SetDefault("amocrm.retry_attempts", 3)
	v.SetDefault("amocrm.retry_initial_ms", 500)
	v.SetDefault("amocrm.retry_max_ms", 10000)
	v.SetDefault("amocrm.circuit_threshold", 5)
	v.SetDefault("amocrm.circuit_reset_secs", 30)
	v.SetDefault("sync.concurrency", 10)
	v.SetDefault("sync.lead_timeout_secs", 30)
	v.SetDefault("sync.not_found_sample_cap", 50)
	v.SetDefault("sync.error_sample_cap", 10)
	v.SetDefault("requalify.batch_size", 50)
	v.SetDefault("requalify.delay_ms", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required")
			}
		case "sqlite":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required (sqlite file path)")
			}
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "migrate":
		needStore()
	case "sync", "requalify":
		needStore()
		if c.Sync.Concurrency < 1 || c.Sync.Concurrency > 50 {
			errs = append(errs, "sync.concurrency must be between 1 and 50")
		}
		if c.AmoCRM.RateLimitRPS < 0 {
			errs = append(errs, "amocrm.rate_limit_rps must be >= 0")
		}
	case "serve":
		needStore()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
