// Package config loads crdtsync's startup configuration: the database
// path, listen/dial addresses for peer sync, the tab broadcast subject,
// and logging verbosity. Grounded on internal/config/local_config.go's
// direct-YAML-read path (gopkg.in/yaml.v3) plus the rest of the codebase's
// viper-based layered config (env vars and flags override the file).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full set of startup settings for one syncd process.
type Config struct {
	// DBPath is the SQLite database file this process opens and serves
	// sync traffic for.
	DBPath string `yaml:"db-path" mapstructure:"db-path"`

	// Listen is the address syncd accepts inbound peer connections on,
	// e.g. ":7420". Empty disables inbound connections.
	Listen string `yaml:"listen" mapstructure:"listen"`

	// Peers are addresses of remote syncd processes to dial and keep
	// connected, e.g. "peer-a.example.com:7420".
	Peers []string `yaml:"peers" mapstructure:"peers"`

	// Tables lists the application tables to enroll for CRDT tracking.
	Tables []string `yaml:"tables" mapstructure:"tables"`

	// TabBroadcastURL is the NATS server URL used for sibling-process
	// broadcast. Empty disables tab sync.
	TabBroadcastURL string `yaml:"tab-broadcast-url" mapstructure:"tab-broadcast-url"`

	// TabSubject is the NATS subject siblings sharing DBPath publish and
	// subscribe on. If empty, syncd run uses a subject derived from the
	// database's site id, which every process opening the same file shares.
	TabSubject string `yaml:"tab-subject" mapstructure:"tab-subject"`

	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose" mapstructure:"verbose"`

	// LockTimeout is loaded from the file or environment but is not passed
	// to the store: the SQLite busy timeout is read by internal/crdtstore
	// from the CRDTSYNC_LOCK_TIMEOUT environment variable (default 30s).
	LockTimeout time.Duration `yaml:"lock-timeout" mapstructure:"lock-timeout"`
}

// Default returns a Config with the package's baseline values; Load layers
// file and environment overrides on top.
func Default() Config {
	return Config{
		Listen:      "",
		TabSubject:  "",
		LockTimeout: 30 * time.Second,
	}
}

// Load reads configuration from path (if it exists), then applies
// CRDTSYNC_-prefixed environment variable overrides, returning the
// resolved Config. A missing file is not an error — Default() plus
// environment overrides is a valid configuration for an ad hoc run.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("CRDTSYNC")
	v.AutomaticEnv()
	for _, key := range []string{"db-path", "listen", "tab-broadcast-url", "tab-subject", "verbose", "lock-timeout"} {
		if v.IsSet(key) {
			applyOverride(&cfg, key, v.Get(key))
		}
	}

	if cfg.DBPath == "" {
		return Config{}, fmt.Errorf("config: db-path is required")
	}
	return cfg, nil
}

func applyOverride(cfg *Config, key string, val interface{}) {
	switch key {
	case "db-path":
		cfg.DBPath = fmt.Sprint(val)
	case "listen":
		cfg.Listen = fmt.Sprint(val)
	case "tab-broadcast-url":
		cfg.TabBroadcastURL = fmt.Sprint(val)
	case "tab-subject":
		cfg.TabSubject = fmt.Sprint(val)
	case "verbose":
		cfg.Verbose = fmt.Sprint(val) == "true" || fmt.Sprint(val) == "1"
	case "lock-timeout":
		if d, err := time.ParseDuration(fmt.Sprint(val)); err == nil {
			cfg.LockTimeout = d
		}
	}
}
