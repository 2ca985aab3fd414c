package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// System resolves through the host's configured resolver (Go's net package).
type System struct {
	r *net.Resolver
}

// NewSystem returns a resolver backed by net.DefaultResolver.
func NewSystem() *System {
	return &System{r: net.DefaultResolver}
}

// LookupNetIP returns every A and AAAA address for host in resolver order.
func (s *System) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := s.r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	return addrs, nil
}
