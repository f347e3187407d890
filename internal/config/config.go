package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"xray-console/internal/limits"
)

// Config is the daemon configuration, loaded from config.yaml.
type Config struct {
	ListenAddr         string              `mapstructure:"listen_addr"`
	JournalPath        string              `mapstructure:"journal_path"`
	HardwareEndpoint   string              `mapstructure:"hardware_endpoint"`
	InterlockTimeoutMs int                 `mapstructure:"interlock_timeout_ms"`
	MaxRetakesPerStudy int                 `mapstructure:"max_retakes_per_study"`
	DeviceLimits       limits.DeviceLimits `mapstructure:"device_limits"`
	LogLevel           string              `mapstructure:"log_level"`
	LogFormat          string              `mapstructure:"log_format"`
}

// InterlockTimeout returns the configured interlock deadline.
func (c *Config) InterlockTimeout() time.Duration {
	return time.Duration(c.InterlockTimeoutMs) * time.Millisecond
}

// Load reads config.yaml from the working directory, falling back to defaults
// for every knob so the daemon starts with no file at all.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	d := limits.DefaultLimits()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("journal_path", "workflow.journal")
	v.SetDefault("hardware_endpoint", "")
	v.SetDefault("interlock_timeout_ms", 10)
	v.SetDefault("max_retakes_per_study", 3)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("device_limits.kvp_min", d.KvpMin)
	v.SetDefault("device_limits.kvp_max", d.KvpMax)
	v.SetDefault("device_limits.ma_min", d.MaMin)
	v.SetDefault("device_limits.ma_max", d.MaMax)
	v.SetDefault("device_limits.max_exposure_time_ms", d.MaxExposureTimeMs)
	v.SetDefault("device_limits.max_mas", d.MaxMas)
	v.SetDefault("device_limits.dose_warning_level", d.DoseWarningLevel)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
