package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

const (
	envPrefix              = "HERALD"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "herald.db"
	defaultLogLevel        = "info"
	defaultAuthIssuer      = "herald"
	defaultTokenTTL        = 30 * time.Minute
	defaultLocale          = "en"
	defaultBackends        = "inapp"
	defaultDrainInterval   = 30 * time.Second
	defaultDrainBatchLimit = 100
	defaultPushTimeout     = 10 * time.Second
)

// AppConfig captures runtime configuration for the server and the CLI commands.
type AppConfig struct {
	HTTPAddress  string
	CORSOrigins  []string
	DatabasePath string
	LogLevel     string
	Auth         AuthConfig
	Notices      NoticesConfig
	Drain        DrainConfig
	Email        EmailConfig
	Push         PushConfig
}

type AuthConfig struct {
	SigningSecret string
	Issuer        string
	TokenTTL      time.Duration
}

type NoticesConfig struct {
	QueueAll       bool
	StatsEnabled   bool
	DefaultLocale  language.Tag
	Backends       []string
	Mediums        []notices.Medium
	Types          []notices.NoticeTypeDefinition
	Templates      map[string]string
	UnsubscribeURL string
}

type DrainConfig struct {
	Interval   time.Duration
	BatchLimit int
}

type EmailConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
	BaseURL      string
}

type PushConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
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
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("notices.queue_all", false)
	configViper.SetDefault("notices.stats_enabled", true)
	configViper.SetDefault("notices.default_locale", defaultLocale)
	configViper.SetDefault("notices.backends", defaultBackends)
	configViper.SetDefault("drain.interval", defaultDrainInterval)
	configViper.SetDefault("drain.batch_limit", defaultDrainBatchLimit)
	configViper.SetDefault("push.timeout", defaultPushTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	locale, err := language.Parse(strings.TrimSpace(configViper.GetString("notices.default_locale")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("notices.default_locale: %w", err)
	}

	mediums := notices.DefaultMediums()
	if configViper.IsSet("notices.mediums") {
		mediums = nil
		if err := configViper.UnmarshalKey("notices.mediums", &mediums); err != nil {
			return AppConfig{}, fmt.Errorf("notices.mediums: %w", err)
		}
	}
	var types []notices.NoticeTypeDefinition
	if err := configViper.UnmarshalKey("notices.types", &types); err != nil {
		return AppConfig{}, fmt.Errorf("notices.types: %w", err)
	}
	templates := configViper.GetStringMapString("notices.templates")

	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		CORSOrigins:  splitList(configViper.GetStringSlice("http.cors_origins")),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
		Notices: NoticesConfig{
			QueueAll:       configViper.GetBool("notices.queue_all"),
			StatsEnabled:   configViper.GetBool("notices.stats_enabled"),
			DefaultLocale:  locale,
			Backends:       splitList(configViper.GetStringSlice("notices.backends")),
			Mediums:        mediums,
			Types:          types,
			Templates:      templates,
			UnsubscribeURL: configViper.GetString("notices.unsubscribe_url"),
		},
		Drain: DrainConfig{
			Interval:   configViper.GetDuration("drain.interval"),
			BatchLimit: configViper.GetInt("drain.batch_limit"),
		},
		Email: EmailConfig{
			ServerToken:  configViper.GetString("email.server_token"),
			AccountToken: configViper.GetString("email.account_token"),
			From:         configViper.GetString("email.from"),
			ReplyTo:      configViper.GetString("email.reply_to"),
			BaseURL:      configViper.GetString("email.base_url"),
		},
		Push: PushConfig{
			URL:     configViper.GetString("push.url"),
			Token:   configViper.GetString("push.token"),
			Timeout: configViper.GetDuration("push.timeout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// ValidateAuth checks the settings needed to issue or verify API tokens.
func (c AppConfig) ValidateAuth() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	return nil
}

// UsesBackend reports whether the named backend is configured.
func (c AppConfig) UsesBackend(name string) bool {
	for _, configured := range c.Notices.Backends {
		if strings.EqualFold(configured, name) {
			return true
		}
	}
	return false
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Drain.Interval <= 0 {
		return fmt.Errorf("drain.interval must be positive")
	}
	if c.Drain.BatchLimit <= 0 {
		return fmt.Errorf("drain.batch_limit must be positive")
	}
	if c.UsesBackend("email") {
		if strings.TrimSpace(c.Email.ServerToken) == "" {
			return fmt.Errorf("email.server_token is required when the email backend is enabled")
		}
		if strings.TrimSpace(c.Email.From) == "" {
			return fmt.Errorf("email.from is required when the email backend is enabled")
		}
	}
	if c.UsesBackend("push") && strings.TrimSpace(c.Push.URL) == "" {
		return fmt.Errorf("push.url is required when the push backend is enabled")
	}
	for index, definition := range c.Notices.Types {
		if strings.TrimSpace(definition.Label) == "" {
			return fmt.Errorf("notices.types[%d].label is required", index)
		}
	}
	return nil
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
