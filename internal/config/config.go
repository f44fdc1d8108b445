package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "PICTUREDESK"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "picturedesk.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "pd_session"
	defaultTokenTTLMinutes   = 7 * 24 * 60
	defaultImageDir          = "images"
	defaultReplicationFactor = 2
	defaultExpectedUsers     = 3
	defaultPageSize          = 25
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	SigningSecret     string
	CookieName        string
	DatabasePath      string
	LogLevel          string
	TokenTTL          time.Duration
	ImageDir          string
	ReplicationFactor int
	ExpectedUsers     int
	PageSize          int
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
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("catalog.image_dir", defaultImageDir)
	configViper.SetDefault("assignment.replication_factor", defaultReplicationFactor)
	configViper.SetDefault("assignment.expected_users", defaultExpectedUsers)
	configViper.SetDefault("listing.page_size", defaultPageSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		ImageDir:          configViper.GetString("catalog.image_dir"),
		ReplicationFactor: configViper.GetInt("assignment.replication_factor"),
		ExpectedUsers:     configViper.GetInt("assignment.expected_users"),
		PageSize:          configViper.GetInt("listing.page_size"),
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
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("assignment.replication_factor must be at least 1")
	}
	if c.ExpectedUsers < 1 {
		return fmt.Errorf("assignment.expected_users must be at least 1")
	}
	if c.PageSize < 1 {
		return fmt.Errorf("listing.page_size must be at least 1")
	}
	return nil
}
