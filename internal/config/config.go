package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "COUCHSTAGE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "couchstage.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultCouchURL        = "http://127.0.0.1:5984"
	defaultSyncMaxRetries  = 3
	defaultSyncRetryBase   = 250 * time.Millisecond
	defaultAuthIssuer      = "couchstage"
	defaultAuthAudience    = "couchstage-api"
	defaultTokenTTLMinutes = 60
)

// AppConfig captures runtime configuration for the CLI and the staging API.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	CouchURL          string
	CouchUsername     string
	CouchPassword     string
	SyncMaxRetries    uint64
	SyncRetryBase     time.Duration
	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthTokenTTL      time.Duration
	AllowedOrigins    []string
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
	configViper.SetDefault("couch.url", defaultCouchURL)
	configViper.SetDefault("sync.max_retries", defaultSyncMaxRetries)
	configViper.SetDefault("sync.retry_base", defaultSyncRetryBase)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("http.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		CouchURL:          configViper.GetString("couch.url"),
		CouchUsername:     configViper.GetString("couch.username"),
		CouchPassword:     configViper.GetString("couch.password"),
		SyncMaxRetries:    configViper.GetUint64("sync.max_retries"),
		SyncRetryBase:     configViper.GetDuration("sync.retry_base"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		AuthTokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateAuth reports whether the token settings needed by serve and token are present.
func (c AppConfig) ValidateAuth() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CouchURL) == "" {
		return fmt.Errorf("couch.url is required")
	}
	parsed, err := url.Parse(c.CouchURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("couch.url must be an absolute url")
	}
	if c.SyncRetryBase <= 0 {
		return fmt.Errorf("sync.retry_base must be positive")
	}
	return nil
}
