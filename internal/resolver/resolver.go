// Package resolver turns SNI hostnames into candidate backend addresses.
package resolver

import (
	"fmt"
	"log/slog"

	"github.com/AtDexters-Lab/sni6-proxy/internal/config"
	"github.com/AtDexters-Lab/sni6-proxy/internal/iface"
)

// FromConfig builds the resolver selected by cfg.Resolver, wrapped in a cache
// when a cache TTL is configured.
func FromConfig(cfg *config.Config, logger *slog.Logger) (iface.Resolver, error) {
	var r iface.Resolver
	switch cfg.Resolver.Mode {
	case "", config.ResolverSystem:
		r = NewSystem()
	case config.ResolverDoH:
		doh, err := NewDoH(cfg.Resolver.DoHURL, logger)
		if err != nil {
			return nil, err
		}
		r = doh
	default:
		return nil, fmt.Errorf("unknown resolver mode %q", cfg.Resolver.Mode)
	}

	if ttl := cfg.ResolveCacheTTL(); ttl > 0 {
		logger.Info("caching resolved addresses", "ttl", ttl)
		r = NewCached(r, ttl)
	}
	return r, nil
}
