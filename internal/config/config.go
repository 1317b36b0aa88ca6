package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "DALI"

	defaultHTTPAddress       = "127.0.0.1:7340"
	defaultDatabasePath      = "dali_outfits.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultTokenPath         = "dali_token"
	defaultAPITimeoutSeconds = 15
	defaultForegroundMinutes = 5
	defaultBackgroundMinutes = 15
	defaultMaxRetries        = 3
	defaultProbeSeconds      = 10
	defaultDebounceSeconds   = 5
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	APIBaseURL         string
	APITimeout         time.Duration
	TokenPath          string
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
	MaxRetries         int
	ProbeInterval      time.Duration
	OnlineDebounce     time.Duration
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("api.timeout_seconds", defaultAPITimeoutSeconds)
	configViper.SetDefault("token.path", defaultTokenPath)
	configViper.SetDefault("sync.foreground_interval_minutes", defaultForegroundMinutes)
	configViper.SetDefault("sync.background_interval_minutes", defaultBackgroundMinutes)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("connectivity.probe_interval_seconds", defaultProbeSeconds)
	configViper.SetDefault("connectivity.debounce_seconds", defaultDebounceSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		APIBaseURL:         configViper.GetString("api.base_url"),
		APITimeout:         time.Duration(configViper.GetInt("api.timeout_seconds")) * time.Second,
		TokenPath:          configViper.GetString("token.path"),
		ForegroundInterval: time.Duration(configViper.GetInt("sync.foreground_interval_minutes")) * time.Minute,
		BackgroundInterval: time.Duration(configViper.GetInt("sync.background_interval_minutes")) * time.Minute,
		MaxRetries:         configViper.GetInt("sync.max_retries"),
		ProbeInterval:      time.Duration(configViper.GetInt("connectivity.probe_interval_seconds")) * time.Second,
		OnlineDebounce:     time.Duration(configViper.GetInt("connectivity.debounce_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api.timeout_seconds must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	return nil
}
