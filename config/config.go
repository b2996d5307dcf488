// Package config loads the server's runtime configuration with
// Viper: environment variables (prefixed HEARTH_), an optional config
// file, and defaults, producing an immutable Config the rest of the
// system is wired from.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, immutable runtime configuration.
// Nothing downstream mutates it; a restart is required to pick up
// changes.
type Config struct {
	BusHost     string
	BusPort     int
	BusUsername string
	BusPassword string
	BusClientID string

	StoreDSN string

	OTASourceRoot    string
	OTARawContentURL string
	OTAProxyURL      string
	OTADefaultRef    string

	OfflineTimeout      time.Duration
	WeatherStallTimeout time.Duration

	// RetentionDays is accepted and stored but not yet enforced; no
	// sweep deletes rows from sensor_readings on it.
	RetentionDays int

	HTTPAddr string
}

const envPrefix = "HEARTH"

func defaults(v *viper.Viper) {
	v.SetDefault("bus.host", "localhost")
	v.SetDefault("bus.port", 1883)
	v.SetDefault("bus.client_id", "hearth")
	v.SetDefault("store.dsn", "hearth.db")
	v.SetDefault("ota.source_root", ".")
	v.SetDefault("ota.default_ref", "main")
	v.SetDefault("offline_timeout", "90s")
	v.SetDefault("weather_stall_timeout", "120s")
	v.SetDefault("retention_days", 0)
	v.SetDefault("http.addr", ":8011")
}

// Load resolves configuration from (in increasing precedence) the
// built-in defaults, an optional file at path (skipped if path is
// empty or the file doesn't exist), and HEARTH_-prefixed environment
// variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := Config{
		BusHost:     v.GetString("bus.host"),
		BusPort:     v.GetInt("bus.port"),
		BusUsername: v.GetString("bus.username"),
		BusPassword: v.GetString("bus.password"),
		BusClientID: v.GetString("bus.client_id"),

		StoreDSN: v.GetString("store.dsn"),

		OTASourceRoot:    v.GetString("ota.source_root"),
		OTARawContentURL: v.GetString("ota.raw_content_url"),
		OTAProxyURL:      v.GetString("ota.proxy_url"),
		OTADefaultRef:    v.GetString("ota.default_ref"),

		OfflineTimeout:      v.GetDuration("offline_timeout"),
		WeatherStallTimeout: v.GetDuration("weather_stall_timeout"),
		RetentionDays:       v.GetInt("retention_days"),

		HTTPAddr: v.GetString("http.addr"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.BusHost == "" {
		return fmt.Errorf("config: bus.host must not be empty")
	}
	if c.BusPort <= 0 || c.BusPort > 65535 {
		return fmt.Errorf("config: bus.port %d out of range", c.BusPort)
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("config: store.dsn must not be empty")
	}
	if c.OfflineTimeout <= 0 {
		return fmt.Errorf("config: offline_timeout must be positive")
	}
	if c.WeatherStallTimeout <= 0 {
		return fmt.Errorf("config: weather_stall_timeout must be positive")
	}
	return nil
}
