package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/AtDexters-Lab/sni6-proxy/internal/config"
	"github.com/AtDexters-Lab/sni6-proxy/internal/logging"
	"github.com/AtDexters-Lab/sni6-proxy/internal/proxy"
	"github.com/AtDexters-Lab/sni6-proxy/internal/resolver"
	"github.com/spf13/pflag"
)

func main() {
	// --- 1. Configuration Loading ---
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "FATAL: Error loading configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(os.Stderr, cfg.Level())
	slog.SetDefault(logger)

	if len(cfg.AllowHostnames) == 0 {
		logger.Warn("no hostname allowlist configured, every hostname will be proxied")
	} else {
		logger.Info("hostname allowlist loaded", "hostnames", cfg.AllowHostnames)
	}
	if cfg.IdleTimeout() > 0 {
		logger.Info("relay idle timeout enabled", "timeout", cfg.IdleTimeout())
	}

	// --- 2. Server Initialization ---
	res, err := resolver.FromConfig(cfg, logger)
	if err != nil {
		fatal(logger, "failed to create resolver", err)
	}
	logger.Info("resolver ready", "mode", cfg.Resolver.Mode)

	router := proxy.NewRouter(cfg, res, &net.Dialer{}, logger)
	clientListener := proxy.NewListener(cfg, router, logger)
	if err := clientListener.Start(); err != nil {
		fatal(logger, "failed to start listener", err)
	}

	// --- 3. Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("sni6-proxy is running, press CTRL+C to exit")

	sig := <-shutdownChan
	logger.Info("shutdown signal received", "signal", sig.String())

	// --- 4. Cleanup ---
	// Running sessions are not drained; they end with the process.
	clientListener.Stop()

	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
