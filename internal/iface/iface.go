package iface

import (
	"context"
	"net"
	"net/netip"
)

// Resolver turns a hostname into candidate backend addresses. Implementations
// must keep the order in which the underlying source returned the addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// Dialer opens outbound connections to backends. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
