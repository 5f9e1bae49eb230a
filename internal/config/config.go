package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "COLLABSYNC"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "collabsync.db"
	defaultLogLevel      = "info"
	defaultHistoryCap    = 1000
	defaultHistoryWindow = 100
)

// AppConfig captures runtime configuration for the sync hub.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	LogLevel      string
	HistoryCap    int
	HistoryWindow int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("history.cap", defaultHistoryCap)
	configViper.SetDefault("history.window", defaultHistoryWindow)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
		HistoryCap:    configViper.GetInt("history.cap"),
		HistoryWindow: configViper.GetInt("history.window"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HistoryCap <= 0 {
		return fmt.Errorf("history.cap must be positive")
	}
	if c.HistoryWindow <= 0 || c.HistoryWindow > c.HistoryCap {
		return fmt.Errorf("history.window must be positive and no larger than history.cap")
	}
	return nil
}
