// Package config loads the agent configuration from an optional YAML
// file and applies DOWNSTREAM_* environment overrides on top, so a bare
// container can run on env vars alone.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the file nor the environment sets a
// value.
const (
	DefaultPort          = 8080
	DefaultWorkers       = 2
	DefaultPollInterval  = 5 * time.Second
	DefaultRetentionDays = 7
)

type (
	// Config is the full agent configuration.
	Config struct {
		// AgentURL is the externally reachable base URL advertised in
		// the agent card.
		AgentURL string `yaml:"agent_url"`
		// Port is the HTTP listen port.
		Port int `yaml:"port"`
		// AuthToken is the bearer token required by protected skills.
		// Empty disables authentication.
		AuthToken string `yaml:"auth_token"`

		Database Database `yaml:"database"`

		// Peers maps peer agent names to their endpoints.
		Peers map[string]Peer `yaml:"peers"`

		// Workers is the task worker pool size.
		Workers int `yaml:"workers"`
		// PollIntervalSeconds is the idle dequeue backoff in seconds.
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		// CleanupRetentionDays is how long terminal tasks are kept.
		CleanupRetentionDays int `yaml:"cleanup_retention_days"`
		// ReapAfterMinutes requeues processing tasks older than this.
		// Zero (the default) disables reaping.
		ReapAfterMinutes int `yaml:"reap_after_minutes"`

		// GitHubToken authenticates issue creation. Empty switches the
		// issue backend to the in-memory recorder.
		GitHubToken string `yaml:"github_token"`

		// CORSOrigins lists allowed browser origins; empty disables CORS.
		CORSOrigins []string `yaml:"cors_origins"`
	}

	// Database holds Postgres connection settings.
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Name     string `yaml:"name"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"ssl_mode"`
	}

	// Peer is a remote agent endpoint.
	Peer struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	}
)

// Load reads the YAML file at path when it exists, applies environment
// overrides, fills defaults, and validates the result. An empty path
// skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.AgentURL, "DOWNSTREAM_AGENT_URL")
	setInt(&c.Port, "DOWNSTREAM_PORT")
	setString(&c.AuthToken, "DOWNSTREAM_AUTH_TOKEN")
	setString(&c.Database.Host, "DOWNSTREAM_DB_HOST")
	setInt(&c.Database.Port, "DOWNSTREAM_DB_PORT")
	setString(&c.Database.Name, "DOWNSTREAM_DB_NAME")
	setString(&c.Database.User, "DOWNSTREAM_DB_USER")
	setString(&c.Database.Password, "DOWNSTREAM_DB_PASSWORD")
	setString(&c.Database.SSLMode, "DOWNSTREAM_DB_SSLMODE")
	setInt(&c.Workers, "DOWNSTREAM_WORKERS")
	setInt(&c.PollIntervalSeconds, "DOWNSTREAM_POLL_INTERVAL_SECONDS")
	setInt(&c.CleanupRetentionDays, "DOWNSTREAM_CLEANUP_RETENTION_DAYS")
	setInt(&c.ReapAfterMinutes, "DOWNSTREAM_REAP_AFTER_MINUTES")
	setString(&c.GitHubToken, "DOWNSTREAM_GITHUB_TOKEN")

	if v := os.Getenv("DOWNSTREAM_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	// DOWNSTREAM_PEER_<NAME>=url[,token] adds or overrides a peer.
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "DOWNSTREAM_PEER_") {
			continue
		}
		peer := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, "DOWNSTREAM_PEER_"), "_", "-"))
		if peer == "" || value == "" {
			continue
		}
		url, token, _ := strings.Cut(value, ",")
		if c.Peers == nil {
			c.Peers = make(map[string]Peer)
		}
		c.Peers[peer] = Peer{URL: strings.TrimSpace(url), Token: strings.TrimSpace(token)}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AgentURL == "" {
		c.AgentURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = int(DefaultPollInterval / time.Second)
	}
	if c.CleanupRetentionDays == 0 {
		c.CleanupRetentionDays = DefaultRetentionDays
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "downstream"
	}
	if c.Database.User == "" {
		c.Database.User = "downstream"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll_interval_seconds must be at least 1, got %d", c.PollIntervalSeconds)
	}
	if c.CleanupRetentionDays < 1 {
		return fmt.Errorf("cleanup_retention_days must be at least 1, got %d", c.CleanupRetentionDays)
	}
	if c.ReapAfterMinutes < 0 {
		return fmt.Errorf("reap_after_minutes must not be negative, got %d", c.ReapAfterMinutes)
	}
	for name, peer := range c.Peers {
		if peer.URL == "" {
			return fmt.Errorf("peer %q has no url", name)
		}
	}
	return nil
}

// PollInterval returns the worker idle backoff as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Retention returns the terminal-task retention as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.CleanupRetentionDays) * 24 * time.Hour
}

// ReapAfter returns the stale-task threshold, zero when disabled.
func (c *Config) ReapAfter() time.Duration {
	return time.Duration(c.ReapAfterMinutes) * time.Minute
}

// DSN renders the Postgres connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
