package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Logging  Logging  `mapstructure:"logging"`
	Agent    Agent    `mapstructure:"agent"`
	Fleet    Fleet    `mapstructure:"fleet"`
}

type Server struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port"`
}

type Database struct {
	Driver string `mapstructure:"driver"` // mysql|postgres|"" (in-memory mode)
	DSN    string `mapstructure:"dsn"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Agent struct {
	SharedSecret string        `mapstructure:"shared_secret"`
	GracePeriod  time.Duration `mapstructure:"grace_period"` // heartbeat silence before inactive
}

type Fleet struct {
	InactivitySweep time.Duration `mapstructure:"inactivity_sweep"`
	DispatchSweep   time.Duration `mapstructure:"dispatch_sweep"`
	TimeoutSweep    time.Duration `mapstructure:"timeout_sweep"`
	SealSweep       time.Duration `mapstructure:"seal_sweep"`

	AckDeadline time.Duration `mapstructure:"ack_deadline"`
	RetryBudget int           `mapstructure:"retry_budget"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`

	PolicyCacheTTL time.Duration `mapstructure:"policy_cache_ttl"`
	CheckInterval  time.Duration `mapstructure:"check_interval"` // default compliance re-check cadence
}

// Load reads corral.yaml from path (or CWD / /etc/corral when empty) with
// CORRAL_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("corral")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/corral")
	}
	v.SetEnvPrefix("CORRAL")
	v.AutomaticEnv()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("agent.grace_period", "15m")
	v.SetDefault("fleet.inactivity_sweep", "1m")
	v.SetDefault("fleet.dispatch_sweep", "5s")
	v.SetDefault("fleet.timeout_sweep", "10s")
	v.SetDefault("fleet.seal_sweep", "5m")
	v.SetDefault("fleet.ack_deadline", "2m")
	v.SetDefault("fleet.retry_budget", 2)
	v.SetDefault("fleet.backoff_base", "30s")
	v.SetDefault("fleet.backoff_cap", "10m")
	v.SetDefault("fleet.policy_cache_ttl", "5m")
	v.SetDefault("fleet.check_interval", "30m")

	if err := v.ReadInConfig(); err != nil {
		// config file is optional: defaults + env must be enough
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
