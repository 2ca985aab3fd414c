package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Parse builds the configuration from command-line arguments. When --config
// is given the file is loaded first; any flag set explicitly on the command
// line overrides the file. The result is validated.
//
// pflag.ErrHelp is returned unwrapped when -h/--help is requested.
func Parse(name string, args []string) (*Config, error) {
	def := Default()

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to an optional YAML configuration file")
	allow := fs.StringArrayP("allow-hostname", "a", nil, "Allowed hostname; subdomains are allowed too (repeatable, none allows every hostname)")
	port := fs.IntP("port", "p", def.ListenPort, "Port to listen on for TLS connections")
	resolverMode := fs.String("resolver", def.Resolver.Mode, `Hostname resolver: "system" or "doh"`)
	dohURL := fs.String("doh-url", "", "DNS-over-HTTPS endpoint used with --resolver=doh")
	cacheTTL := fs.Duration("resolve-cache-ttl", 0, "Cache successful lookups for this long (0 disables)")
	idleTimeout := fs.Duration("idle-timeout", 0, "Close a relay direction after this long without traffic (0 disables)")
	logLevel := fs.String("log-level", def.LogLevel, "Log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = readFile(*configPath); err != nil {
			return nil, err
		}
	}

	if fs.Changed("allow-hostname") {
		cfg.AllowHostnames = *allow
	}
	if fs.Changed("port") {
		cfg.ListenPort = *port
	}
	if fs.Changed("resolver") {
		cfg.Resolver.Mode = *resolverMode
	}
	if fs.Changed("doh-url") {
		cfg.Resolver.DoHURL = *dohURL
	}
	if fs.Changed("resolve-cache-ttl") {
		cfg.Resolver.CacheTTLSeconds = seconds(*cacheTTL)
	}
	if fs.Changed("idle-timeout") {
		cfg.IdleTimeoutSeconds = seconds(*idleTimeout)
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// seconds rounds positive sub-second durations up so they are not silently
// turned into "disabled".
func seconds(d time.Duration) int {
	if d <= 0 {
		return int(d / time.Second)
	}
	return int((d + time.Second - 1) / time.Second)
}
