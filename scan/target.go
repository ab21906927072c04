package scan

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Target is a resolved IPv4 address and the name it was resolved from.
type Target struct {
	Host string
	IP   net.IP
}

// Address returns the dialable host:port for port.
func (t Target) Address(port int) string {
	return net.JoinHostPort(t.IP.String(), strconv.Itoa(port))
}

func (t Target) String() string {
	if t.Host == "" || t.Host == t.IP.String() {
		return t.IP.String()
	}
	return fmt.Sprintf("%s (%s)", t.Host, t.IP.String())
}

type ipLookuper interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

var resolver ipLookuper = net.DefaultResolver

// ResolveTarget turns an IPv4 literal or hostname into a Target. All
// failures wrap ErrUnresolvableHost.
func ResolveTarget(ctx context.Context, host string) (Target, error) {
	if host == "" {
		return Target{}, fmt.Errorf("%w: empty target", ErrUnresolvableHost)
	}

	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return Target{}, fmt.Errorf("%w: '%s' is not an IPv4 address", ErrUnresolvableHost, host)
		}
		return Target{Host: host, IP: ip4}, nil
	}

	ips, err := resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return Target{}, fmt.Errorf("%w: '%s': %w", ErrUnresolvableHost, host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return Target{Host: host, IP: ip4}, nil
		}
	}

	return Target{}, fmt.Errorf("%w: no IPv4 address found for '%s'", ErrUnresolvableHost, host)
}
