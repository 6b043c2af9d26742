package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "DOCMIRROR"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "docmirror.db"
	defaultMirrorRoot     = "media"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultSessionIssuer  = "tauth"
	defaultSessionTTL     = 30
	defaultRateLimitRPS   = 5.0
	defaultRateLimitBurst = 20
)

// AppConfig captures runtime configuration for the API server and its commands.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	MirrorRoot      string
	LogLevel        string
	TAuthSigningKey string
	TAuthIssuer     string
	TAuthCookieName string
	SessionTTL      time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
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
	configViper.SetDefault("mirror.root", defaultMirrorRoot)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.session_ttl_minutes", defaultSessionTTL)
	configViper.SetDefault("ratelimit.rps", defaultRateLimitRPS)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		MirrorRoot:      configViper.GetString("mirror.root"),
		LogLevel:        configViper.GetString("log.level"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		SessionTTL:      time.Duration(configViper.GetInt("tauth.session_ttl_minutes")) * time.Minute,
		RateLimitRPS:    configViper.GetFloat64("ratelimit.rps"),
		RateLimitBurst:  configViper.GetInt("ratelimit.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.MirrorRoot) == "" {
		return fmt.Errorf("mirror.root is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must be positive")
	}
	return nil
}
