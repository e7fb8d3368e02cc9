package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "LECTERN"
	defaultHTTPAddress   = "127.0.0.1:8732"
	defaultDatabasePath  = "lectern.db"
	defaultLogLevel      = "info"
	defaultKeepLocalURL  = "http://127.0.0.1:8787"
	defaultSelfSaveMs    = 1000
	defaultUndoTTLMs     = 5000
	defaultErrorTTLMs    = 3000
	defaultTokenTTLHours = 24
)

// AppConfig captures runtime configuration for the companion service.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTL         time.Duration
	KeepLocalBaseURL string
	SelfSaveWindow   time.Duration
	UndoNoticeTTL    time.Duration
	ErrorNoticeTTL   time.Duration
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
	configViper.SetDefault("api.token_ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("keeplocal.base_url", defaultKeepLocalURL)
	configViper.SetDefault("session.self_save_window_ms", defaultSelfSaveMs)
	configViper.SetDefault("notify.undo_ttl_ms", defaultUndoTTLMs)
	configViper.SetDefault("notify.error_ttl_ms", defaultErrorTTLMs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("api.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("api.token_ttl_hours")) * time.Hour,
		KeepLocalBaseURL: configViper.GetString("keeplocal.base_url"),
		SelfSaveWindow:   time.Duration(configViper.GetInt("session.self_save_window_ms")) * time.Millisecond,
		UndoNoticeTTL:    time.Duration(configViper.GetInt("notify.undo_ttl_ms")) * time.Millisecond,
		ErrorNoticeTTL:   time.Duration(configViper.GetInt("notify.error_ttl_ms")) * time.Millisecond,
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
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("api.signing_secret is required")
	}
	if strings.TrimSpace(c.KeepLocalBaseURL) == "" {
		return fmt.Errorf("keeplocal.base_url is required")
	}
	if c.SelfSaveWindow <= 0 {
		return fmt.Errorf("session.self_save_window_ms must be positive")
	}
	if c.UndoNoticeTTL <= 0 || c.ErrorNoticeTTL <= 0 {
		return fmt.Errorf("notification TTLs must be positive")
	}
	return nil
}
