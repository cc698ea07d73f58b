// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"thanks-notifier/aggregate"
)

// User sources.
const (
	UserSourceForum  = "forum"
	UserSourceStatic = "static"
)

// Email providers. An empty provider picks one from the available credentials.
const (
	EmailProviderMock  = "mock"
	EmailProviderGmail = "gmail"
	EmailProviderBrevo = "brevo"
)

// Config holds every setting of the service.
type Config struct {
	Port                  string            `env:"PORT"                    envDefault:"8080"`
	BaseURL               string            `env:"BASE_URL"`
	StorageBucket         string            `env:"STORAGE_BUCKET"`
	LocalStorage          string            `env:"LOCAL_STORAGE"`
	DatabaseURL           string            `env:"DATABASE_URL"`
	ThanksToken           string            `env:"THANKS_TOKEN"`
	EmailProvider         string            `env:"EMAIL_PROVIDER"`
	BrevoAPIKey           string            `env:"BREVO_API_KEY"`
	MailFrom              string            `env:"MAIL_FROM"`
	MailFromName          string            `env:"MAIL_FROM_NAME"`
	GoogleCredentialsJSON string            `env:"GOOGLE_CREDENTIALS_JSON"`
	TelegramBotToken      string            `env:"TELEGRAM_BOT_TOKEN"`
	CensorWords           []string          `env:"CENSOR_WORDS"            envSeparator:","`
	DefaultLang           string            `env:"DEFAULT_LANG"            envDefault:"en"`
	UserSource            string            `env:"USER_SOURCE"             envDefault:"forum"`
	StaticUsers           map[string]string `env:"STATIC_USERS"            envSeparator:"," envKeyValSeparator:"="`
	MaxShownThankers      int               `env:"MAX_SHOWN_THANKERS"      envDefault:"4"`
}

// Load reads envFile into the process environment when it exists, then
// parses the environment. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.EmailProvider = strings.ToLower(strings.TrimSpace(cfg.EmailProvider))
	cfg.UserSource = strings.ToLower(strings.TrimSpace(cfg.UserSource))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.MaxShownThankers < 1 {
		return fmt.Errorf("MAX_SHOWN_THANKERS=%d: %w", c.MaxShownThankers, aggregate.ErrConfiguration)
	}

	switch c.UserSource {
	case UserSourceForum:
		if c.BaseURL == "" {
			return errors.New("BASE_URL required when USER_SOURCE=forum")
		}
	case UserSourceStatic:
	default:
		return fmt.Errorf("unknown USER_SOURCE %q", c.UserSource)
	}

	switch c.EmailProvider {
	case "", EmailProviderMock, EmailProviderGmail:
	case EmailProviderBrevo:
		if c.BrevoAPIKey == "" || c.MailFrom == "" {
			return errors.New("BREVO_API_KEY and MAIL_FROM required when EMAIL_PROVIDER=brevo")
		}
	default:
		return fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider)
	}

	if c.StorageBucket != "" && c.DatabaseURL != "" {
		return errors.New("set only one of STORAGE_BUCKET and DATABASE_URL")
	}
	return nil
}

// ResolvedEmailProvider returns the configured provider, or the one implied
// by the available credentials.
func (c *Config) ResolvedEmailProvider() string {
	if c.EmailProvider != "" {
		return c.EmailProvider
	}
	switch {
	case c.BrevoAPIKey != "" && c.MailFrom != "":
		return EmailProviderBrevo
	case c.GoogleCredentialsJSON != "":
		return EmailProviderGmail
	default:
		return EmailProviderMock
	}
}

// StaticUserNames converts STATIC_USERS into a name table.
func (c *Config) StaticUserNames() (map[int64]string, error) {
	names := make(map[int64]string, len(c.StaticUsers))
	for k, v := range c.StaticUsers {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("STATIC_USERS: invalid user id %q", k)
		}
		names[id] = strings.TrimSpace(v)
	}
	return names, nil
}
