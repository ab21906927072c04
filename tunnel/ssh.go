// Package tunnel dials scan targets through an SSH gateway, so a host that is
// only reachable from a bastion can be scanned from outside.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultPort        = 22
	DefaultConnTimeout = 30 * time.Second
)

// Config holds everything needed to reach an SSH gateway.
type Config struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// specRe matches [user@]host[:port].
var specRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseSpec extracts user, host and port from "admin@bastion:2222". The port
// defaults to 22 and the user to $USER.
func ParseSpec(spec string) (user, host string, port int, err error) {
	m := specRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway '%s', expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid gateway port '%s'", m[3])
		}
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	return user, host, port, nil
}

// Dialer opens TCP connections from the far side of an SSH connection.
type Dialer struct {
	client *ssh.Client
	addr   string
	mu     sync.RWMutex
}

// Connect dials the gateway and completes the SSH handshake.
func Connect(ctx context.Context, cfg Config) (*Dialer, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = DefaultConnTimeout
	}

	authMethods, err := cfg.authMethods()
	if err != nil {
		return nil, fmt.Errorf("ssh auth %s: %w", cfg.Host, err)
	}

	hkCallback, err := cfg.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("ssh hostkey %s: %w", cfg.Host, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         cfg.ConnTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	log.Debugf("Connecting to gateway %s as %s...", addr, cfg.User)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()

	var d net.Dialer
	tcpConn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}

	log.Debugf("Gateway %s connected", addr)

	return &Dialer{
		client: ssh.NewClient(sshConn, chans, reqs),
		addr:   addr,
	}, nil
}

// DialContext opens a direct-tcpip channel to address. Connect failures
// reported by the gateway are translated to the matching errno so they
// classify like local dial errors.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("gateway %s: connection closed", d.addr)
	}

	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: translateError(err)}
	}
	return conn, nil
}

func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func translateError(err error) error {
	var openErr *ssh.OpenChannelError
	if !errors.As(err, &openErr) || openErr.Reason != ssh.ConnectionFailed {
		return err
	}

	// OpenSSH forwards strerror() of the failed connect
	msg := strings.ToLower(openErr.Message)
	var errno syscall.Errno
	switch {
	case strings.Contains(msg, "refused"):
		errno = syscall.ECONNREFUSED
	case strings.Contains(msg, "timed out"):
		errno = syscall.ETIMEDOUT
	case strings.Contains(msg, "no route to host"):
		errno = syscall.EHOSTUNREACH
	case strings.Contains(msg, "network is unreachable"):
		errno = syscall.ENETUNREACH
	default:
		return err
	}
	return os.NewSyscallError("connect", errno)
}
