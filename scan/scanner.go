package scan

import (
	"context"
	"net"
)

type Scanner interface {
	Scan(ctx context.Context, target Target, ports []int) *Session
}

// Dialer opens TCP connections. *net.Dialer satisfies it, as does the SSH
// pivot dialer in the tunnel package.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
