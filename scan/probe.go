package scan

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

type outcome uint8

const (
	outcomeReported outcome = iota
	outcomeAborted          // session cancelled mid-attempt, nothing to report
	outcomeUnreachable      // no route to the target
)

// probe makes a single connect attempt bounded by timeout.
func probe(ctx context.Context, dialer Dialer, target Target, port int, timeout time.Duration) (PortResult, outcome) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := dialer.DialContext(attemptCtx, "tcp", target.Address(port))
	result := PortResult{
		Port:    port,
		Elapsed: time.Since(start),
	}

	if err == nil {
		_ = conn.Close()
		result.State = PortOpen
		return result, outcomeReported
	}

	if ctx.Err() != nil {
		return result, outcomeAborted
	}

	log.WithFields(log.Fields{
		"port": port,
	}).Debugf("Dial failed: %s", err)

	reason, state := classify(err, attemptCtx.Err() != nil)
	result.State = state
	result.Reason = reason

	if state == PortError && isUnreachable(err) {
		return result, outcomeUnreachable
	}
	return result, outcomeReported
}

// classify maps a dial error to a port state. deadline reports whether the
// per-attempt timeout expired.
func classify(err error, deadline bool) (string, PortState) {
	var netErr net.Error
	switch {
	case deadline,
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout, PortClosedOrFiltered
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused, PortClosedOrFiltered
	case errors.Is(err, syscall.ECONNRESET):
		return ReasonReset, PortClosedOrFiltered
	}

	// errno values differ on some platforms, fall back to the message
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"):
		return ReasonRefused, PortClosedOrFiltered
	case strings.Contains(msg, "reset by peer"):
		return ReasonReset, PortClosedOrFiltered
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return ReasonTimeout, PortClosedOrFiltered
	}

	return msg, PortError
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no route to host") || strings.Contains(msg, "network is unreachable")
}
