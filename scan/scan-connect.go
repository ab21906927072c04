package scan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout     = 500 * time.Millisecond
	DefaultConcurrency = 100
)

// Options configures a ConnectScanner. Zero values select the defaults.
type Options struct {
	// Timeout bounds each connect attempt individually.
	Timeout time.Duration
	// Concurrency is the maximum number of attempts in flight. With 1, results
	// arrive in ascending port order; otherwise in completion order.
	Concurrency int
	// Verbose also emits closed/filtered results. Open and error results are
	// always emitted.
	Verbose bool
	// RateLimit caps connect attempts per second, 0 for no limit.
	RateLimit int
	// Dialer defaults to a plain TCP dialer.
	Dialer Dialer
}

type ConnectScanner struct {
	timeout     time.Duration
	maxRoutines int
	verbose     bool
	rateLimit   int
	dialer      Dialer
}

func NewConnectScanner(opts Options) *ConnectScanner {
	s := &ConnectScanner{
		timeout:     opts.Timeout,
		maxRoutines: opts.Concurrency,
		verbose:     opts.Verbose,
		rateLimit:   opts.RateLimit,
		dialer:      opts.Dialer,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.maxRoutines <= 0 {
		s.maxRoutines = DefaultConcurrency
	}
	if s.dialer == nil {
		s.dialer = &net.Dialer{KeepAlive: -1}
	}
	return s
}

// Scan starts probing ports on target and returns immediately. The caller
// must drain Results() until it is closed, then call Wait for the outcome.
func (s *ConnectScanner) Scan(ctx context.Context, target Target, ports []int) *Session {

	ctx, cancel := context.WithCancel(ctx)

	sorted := make([]int, len(ports))
	copy(sorted, ports)
	sort.Ints(sorted)

	session := &Session{
		Target:  target,
		Ports:   sorted,
		results: make(chan PortResult),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	session.counters.started = time.Now()

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rateLimit), 1)
	}

	routines := s.maxRoutines
	if len(sorted) < routines {
		routines = len(sorted)
	}

	log.Debugf("Scanning %d ports on %s with %d routines...", len(sorted), target, routines)

	jobChan := make(chan int, routines)

	go func() {
		defer close(jobChan)
		for _, port := range sorted {
			select {
			case <-ctx.Done():
				return
			case jobChan <- port:
			}
		}
	}()

	wg := &sync.WaitGroup{}

	for i := 0; i < routines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range jobChan {
				if ctx.Err() != nil {
					continue
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						// the next token is due after the deadline
						<-ctx.Done()
						continue
					}
				}

				result, out := probe(ctx, s.dialer, target, port, s.timeout)
				switch out {
				case outcomeAborted:
					continue
				case outcomeUnreachable:
					if session.answered.Load() {
						// the host is up, so this is a per-port ICMP reject
						result.State = PortClosedOrFiltered
						result.Reason = ReasonUnreachable
						break
					}
					err := fmt.Errorf("%w: %s: %s", ErrHostUnreachable, target.IP, result.Reason)
					if !session.abort(err) {
						continue
					}
				}

				if result.State == PortOpen || result.Reason == ReasonRefused || result.Reason == ReasonReset {
					session.answered.Store(true)
				}
				session.counters.record(result)
				if result.State == PortClosedOrFiltered && !s.verbose {
					continue
				}
				session.results <- result
			}
		}()
	}

	go func() {
		wg.Wait()
		session.finish()
		log.Debugf("Scan of %s %s: %s", target, session.status, session.Summary())
		close(session.results)
		close(session.done)
		cancel()
	}()

	return session
}

type Status uint8

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusCancelled
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusAborted:
		return "aborted"
	}
	return "running"
}

// Session is a single scan in progress. It is not reusable.
type Session struct {
	Target Target
	Ports  []int

	results  chan PortResult
	done     chan struct{}
	cancel   context.CancelFunc
	counters counters

	// answered is set once the target has responded on any port
	answered  atomic.Bool
	abortOnce sync.Once
	status    Status
	err       error
}

func (s *Session) Results() <-chan PortResult {
	return s.results
}

// Cancel stops dispatching and aborts attempts in flight. Results produced
// before the cancellation are still delivered.
func (s *Session) Cancel() {
	s.cancel()
}

// Wait blocks until the scan has ended. The error is only set for
// StatusAborted.
func (s *Session) Wait() (Status, error) {
	<-s.done
	return s.status, s.err
}

// Summary may be called while the scan is running.
func (s *Session) Summary() Summary {
	return s.counters.summary()
}

func (s *Session) abort(err error) bool {
	first := false
	s.abortOnce.Do(func() {
		s.err = err
		first = true
		s.cancel()
	})
	return first
}

func (s *Session) finish() {
	s.counters.finished.Store(time.Now().UnixNano())
	switch {
	case s.err != nil:
		s.status = StatusAborted
	case s.counters.summary().Scanned < len(s.Ports):
		s.status = StatusCancelled
	default:
		s.status = StatusCompleted
	}
}
