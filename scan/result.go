package scan

import (
	"fmt"
	"sync/atomic"
	"time"
)

type PortState uint8

const (
	PortUnknown PortState = iota
	PortOpen
	PortClosedOrFiltered
	PortError
)

func (s PortState) String() string {
	switch s {
	case PortOpen:
		return "OPEN"
	case PortClosedOrFiltered:
		return "CLOSED/FILTERED"
	case PortError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Reasons recorded for PortClosedOrFiltered results. A connect scan cannot
// tell a firewall drop from a closed port, so these are diagnostics only.
const (
	ReasonRefused = "refused"
	ReasonReset   = "reset"
	ReasonTimeout = "timeout"

	// ReasonUnreachable is an ICMP unreachable for one port of a host that
	// has answered on others.
	ReasonUnreachable = "unreachable"
)

// PortResult is the outcome of probing a single port.
type PortResult struct {
	Port    int
	State   PortState
	Reason  string
	Elapsed time.Duration
}

func (r PortResult) IsOpen() bool {
	return r.State == PortOpen
}

func (r PortResult) String() string {
	text := fmt.Sprintf(
		"%s%s",
		pad(fmt.Sprintf("%d/tcp", r.Port), 10),
		pad(r.State.String(), 18),
	)
	if r.Reason != "" {
		text = fmt.Sprintf("%s(%s)", text, r.Reason)
	}
	return text
}

// Summary counts every probed port, including those not emitted on the
// results channel.
type Summary struct {
	Scanned          int
	Open             int
	ClosedOrFiltered int
	Errors           int
	Elapsed          time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"%d ports scanned in %s: %d open, %d closed/filtered, %d errors",
		s.Scanned,
		s.Elapsed.Round(time.Millisecond).String(),
		s.Open,
		s.ClosedOrFiltered,
		s.Errors,
	)
}

type counters struct {
	open     atomic.Int64
	closed   atomic.Int64
	errors   atomic.Int64
	started  time.Time
	finished atomic.Int64 // unix nanos, 0 while running
}

func (c *counters) record(r PortResult) {
	switch r.State {
	case PortOpen:
		c.open.Add(1)
	case PortClosedOrFiltered:
		c.closed.Add(1)
	case PortError:
		c.errors.Add(1)
	}
}

func (c *counters) summary() Summary {
	s := Summary{
		Open:             int(c.open.Load()),
		ClosedOrFiltered: int(c.closed.Load()),
		Errors:           int(c.errors.Load()),
	}
	s.Scanned = s.Open + s.ClosedOrFiltered + s.Errors
	if end := c.finished.Load(); end > 0 {
		s.Elapsed = time.Unix(0, end).Sub(c.started)
	} else {
		s.Elapsed = time.Since(c.started)
	}
	return s
}

func pad(input string, length int) string {
	for len(input) < length {
		input += " "
	}
	return input
}
