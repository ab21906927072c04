package scan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
)

const (
	MinPort = 0
	MaxPort = 65535

	DefaultFirstPort = 0
	DefaultLastPort  = 499
)

// list and address separators are rejected outright
const disallowedSeparators = `,.\/;:`

// PortRange is a contiguous, inclusive, non-empty range of TCP ports.
type PortRange struct {
	First int
	Last  int
}

// DefaultPortRange is scanned when no range is supplied.
func DefaultPortRange() PortRange {
	return PortRange{First: DefaultFirstPort, Last: DefaultLastPort}
}

// ParsePortRange accepts "N" or "N-M".
func ParsePortRange(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PortRange{}, &SpecError{Spec: spec, Reason: "empty specification"}
	}
	if strings.ContainsAny(spec, disallowedSeparators) {
		return PortRange{}, &SpecError{Spec: spec, Reason: "use N or N-M, separators are not allowed"}
	}

	parts := strings.Split(spec, "-")
	switch len(parts) {
	case 1:
		port, err := parsePort(spec, parts[0])
		if err != nil {
			return PortRange{}, err
		}
		return PortRange{First: port, Last: port}, nil
	case 2:
		first, err := parsePort(spec, parts[0])
		if err != nil {
			return PortRange{}, err
		}
		last, err := parsePort(spec, parts[1])
		if err != nil {
			return PortRange{}, err
		}
		if first > last {
			return PortRange{}, &SpecError{Spec: spec, Reason: fmt.Sprintf("range start %d is greater than end %d", first, last)}
		}
		return PortRange{First: first, Last: last}, nil
	}

	return PortRange{}, &SpecError{Spec: spec, Reason: "expected N or N-M"}
}

func parsePort(spec, s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, &SpecError{Spec: spec, Reason: fmt.Sprintf("invalid port number '%s'", s)}
	}
	if port < MinPort || port > MaxPort {
		return 0, &SpecError{Spec: spec, Reason: fmt.Sprintf("port %d outside %d-%d", port, MinPort, MaxPort)}
	}
	return port, nil
}

func (r PortRange) Len() int {
	return r.Last - r.First + 1
}

// Ports expands the range in ascending order.
func (r PortRange) Ports() []int {
	ports := make([]int, 0, r.Len())
	for p := r.First; p <= r.Last; p++ {
		ports = append(ports, p)
	}
	return ports
}

func (r PortRange) String() string {
	if r.First == r.Last {
		return strconv.Itoa(r.First)
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// DescribePort returns the IANA service name registered for a TCP port, or
// an empty string.
func DescribePort(port int) string {
	if port < MinPort || port > MaxPort {
		return ""
	}
	// layers.TCPPort renders as "22(ssh)" when the port has a registered name
	s := layers.TCPPort(port).String()
	i := strings.IndexByte(s, '(')
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(s[i+1:], ")")
}
