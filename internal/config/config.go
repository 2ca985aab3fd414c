package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	hn "github.com/AtDexters-Lab/sni6-proxy/internal/hostnames"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenPort is the port the proxy accepts TLS connections on.
	DefaultListenPort = 443

	ResolverSystem = "system"
	ResolverDoH    = "doh"
)

// ResolverConfig selects how SNI hostnames are turned into backend addresses.
type ResolverConfig struct {
	Mode            string `yaml:"mode"`
	DoHURL          string `yaml:"dohURL"`
	CacheTTLSeconds int    `yaml:"cacheTTLSeconds"`
}

// Config holds the entire application configuration. It is built once at
// startup and never modified afterwards.
type Config struct {
	ListenPort         int            `yaml:"listenPort"`
	AllowHostnames     []string       `yaml:"allowHostnames"`
	IdleTimeoutSeconds int            `yaml:"idleTimeoutSeconds"`
	LogLevel           string         `yaml:"logLevel"`
	Resolver           ResolverConfig `yaml:"resolver"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenPort: DefaultListenPort,
		LogLevel:   "info",
		Resolver:   ResolverConfig{Mode: ResolverSystem},
	}
}

// IdleTimeout returns the relay idle timeout as a time.Duration. Zero means
// no deadline.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ResolveCacheTTL returns how long successful lookups are memoised. Zero
// disables the cache.
func (c *Config) ResolveCacheTTL() time.Duration {
	return time.Duration(c.Resolver.CacheTTLSeconds) * time.Second
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listenPort must be between 1 and 65535, got %d", c.ListenPort)
	}
	if c.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idleTimeoutSeconds cannot be negative")
	}
	if c.Resolver.CacheTTLSeconds < 0 {
		return fmt.Errorf("resolver.cacheTTLSeconds cannot be negative")
	}
	for _, rule := range c.AllowHostnames {
		if err := hn.ValidateRule(rule); err != nil {
			return fmt.Errorf("invalid allowHostnames entry: %w", err)
		}
	}
	if c.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return fmt.Errorf("invalid logLevel %q", c.LogLevel)
		}
	}

	switch c.Resolver.Mode {
	case "", ResolverSystem:
		if c.Resolver.DoHURL != "" {
			return fmt.Errorf("resolver.dohURL is only valid with resolver.mode %q", ResolverDoH)
		}
	case ResolverDoH:
		if c.Resolver.DoHURL == "" {
			return fmt.Errorf("resolver.dohURL must be set when resolver.mode is %q", ResolverDoH)
		}
		u, err := url.Parse(c.Resolver.DoHURL)
		if err != nil {
			return fmt.Errorf("invalid resolver.dohURL: %w", err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("resolver.dohURL must use https")
		}
	default:
		return fmt.Errorf("unknown resolver.mode %q", c.Resolver.Mode)
	}

	return nil
}

// LoadConfig reads the configuration from the given file path on top of the
// defaults, unmarshals it, and performs validation.
func LoadConfig(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}
	return cfg, nil
}
