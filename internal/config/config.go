// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Installation sources accepted by GATEKEEPER_INSTALLATION_SOURCE.
const (
	InstallationSourceDatabase = "database"
	InstallationSourceGitHub   = "github"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	GitHubToken string `env:"GATEKEEPER_GITHUB_TOKEN"`
	BotName     string `env:"GATEKEEPER_BOT_NAME" envDefault:"bors"`
	// BotLogin is the account the bot comments as. It defaults to BotName.
	BotLogin           string        `env:"GATEKEEPER_BOT_LOGIN"`
	ListenAddr         string        `env:"GATEKEEPER_LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	DBPath             string        `env:"GATEKEEPER_DB_PATH" envDefault:"gatekeeper.db"`
	InstallationSource string        `env:"GATEKEEPER_INSTALLATION_SOURCE" envDefault:"database"`
	EventTimeout       time.Duration `env:"GATEKEEPER_EVENT_TIMEOUT" envDefault:"2m"`
	EventQueueSize     int           `env:"GATEKEEPER_EVENT_QUEUE_SIZE" envDefault:"64"`
	OTelEndpoint       string        `env:"GATEKEEPER_OTEL_ENDPOINT"`
	LogLevel           slog.Level    `env:"GATEKEEPER_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from environment variables and returns a validated Config.
// GATEKEEPER_GITHUB_TOKEN is optional here because only the serve command
// talks to GitHub; it checks RequireGitHubToken itself.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg.BotName = strings.TrimPrefix(strings.TrimSpace(cfg.BotName), "@")
	if cfg.BotLogin == "" {
		cfg.BotLogin = cfg.BotName
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BotName == "" {
		return errors.New("GATEKEEPER_BOT_NAME must not be empty")
	}
	if strings.ContainsAny(c.BotName, " \t") {
		return fmt.Errorf("GATEKEEPER_BOT_NAME %q must be a single word", c.BotName)
	}

	switch c.InstallationSource {
	case InstallationSourceDatabase, InstallationSourceGitHub:
	default:
		return fmt.Errorf("GATEKEEPER_INSTALLATION_SOURCE has invalid value %q: want %q or %q",
			c.InstallationSource, InstallationSourceDatabase, InstallationSourceGitHub)
	}

	if c.EventTimeout < 0 {
		return fmt.Errorf("GATEKEEPER_EVENT_TIMEOUT must not be negative, got %s", c.EventTimeout)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("GATEKEEPER_EVENT_QUEUE_SIZE must be positive, got %d", c.EventQueueSize)
	}

	return nil
}

// RequireGitHubToken reports an error when no GitHub token is configured.
func (c *Config) RequireGitHubToken() error {
	if c.GitHubToken == "" {
		return errors.New("GATEKEEPER_GITHUB_TOKEN is required")
	}
	return nil
}

// TracingEnabled reports whether spans should be exported.
func (c *Config) TracingEnabled() bool {
	return c.OTelEndpoint != ""
}
