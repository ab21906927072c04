package tunnel

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/liamg/connscan/scan"
)

func TestParseSpec(t *testing.T) {
	t.Setenv("USER", "operator")

	tests := []struct {
		input   string
		user    string
		host    string
		port    int
		wantErr bool
	}{
		{"admin@bastion:2222", "admin", "bastion", 2222, false},
		{"admin@bastion", "admin", "bastion", 22, false},
		{"bastion.example.com", "operator", "bastion.example.com", 22, false},
		{"host:0", "", "", 0, true},
		{"host:65536", "", "", 0, true},
		{":22", "", "", 0, true},
		{"", "", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			user, host, port, err := ParseSpec(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestTranslateError(t *testing.T) {
	cases := map[string]error{
		"Connection refused":     syscall.ECONNREFUSED,
		"Connection timed out":   syscall.ETIMEDOUT,
		"No route to host":       syscall.EHOSTUNREACH,
		"Network is unreachable": syscall.ENETUNREACH,
	}
	for msg, want := range cases {
		t.Run(msg, func(t *testing.T) {
			err := translateError(&ssh.OpenChannelError{Reason: ssh.ConnectionFailed, Message: msg})
			assert.True(t, errors.Is(err, want), err.Error())
		})
	}

	other := &ssh.OpenChannelError{Reason: ssh.Prohibited, Message: "administratively prohibited"}
	assert.Equal(t, error(other), translateError(other))
}

func TestHostKeyCallback(t *testing.T) {
	cb, err := Config{}.hostKeyCallback()
	require.NoError(t, err)
	assert.NotNil(t, cb)

	_, err = Config{StrictHostKey: true, KnownHosts: filepath.Join(t.TempDir(), "missing")}.hostKeyCallback()
	assert.Error(t, err)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0o600))
	cb, err = Config{StrictHostKey: true, KnownHosts: knownHosts}.hostKeyCallback()
	require.NoError(t, err)
	assert.NotNil(t, cb)
}

func withSecret(t *testing.T, secret string) *int {
	t.Helper()

	prompts := 0
	original := readSecret
	readSecret = func(string) ([]byte, error) {
		prompts++
		return []byte(secret), nil
	}
	t.Cleanup(func() { readSecret = original })
	return &prompts
}

func TestAuthMethodsBadKey(t *testing.T) {
	_, err := Config{KeyPath: filepath.Join(t.TempDir(), "nope")}.authMethods()
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = Config{KeyPath: garbage}.authMethods()
	assert.Error(t, err)
}

func TestAuthMethodsEncryptedKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("hunter2"))
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	prompts := withSecret(t, "hunter2")
	methods, err := Config{KeyPath: keyPath}.authMethods()
	require.NoError(t, err)
	assert.Len(t, methods, 1)
	assert.Equal(t, 1, *prompts)

	withSecret(t, "wrong")
	_, err = Config{KeyPath: keyPath}.authMethods()
	assert.Error(t, err)
}

func TestAuthMethodsPasswordPromptsLazily(t *testing.T) {
	prompts := withSecret(t, "secret")

	methods, err := Config{User: "scanner", Host: "bastion", PromptPass: true}.authMethods()
	require.NoError(t, err)
	assert.Len(t, methods, 1)
	assert.Equal(t, 0, *prompts)
}

func TestAuthMethodsImplicit(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	home := t.TempDir()
	t.Setenv("HOME", home)

	_, err := Config{}.authMethods()
	assert.ErrorIs(t, err, errNoAuth)

	keyPath, _ := writeClientKey(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".ssh"), 0o700))
	key, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, ".ssh", "id_ed25519"), key, 0o600))

	methods, err := Config{}.authMethods()
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

// startGateway runs a minimal SSH server that only forwards direct-tcpip
// channels, rejecting failed connects the way OpenSSH does.
func startGateway(t *testing.T, authorized ssh.PublicKey) int {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	cfg.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveGateway(conn, cfg)
		}
	}()

	return l.Addr().(*net.TCPAddr).Port
}

func serveGateway(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		var payload struct {
			Host       string
			Port       uint32
			OriginHost string
			OriginPort uint32
		}
		if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
			_ = newChan.Reject(ssh.ConnectionFailed, "bad request")
			continue
		}
		remote, err := net.Dial("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
		if err != nil {
			_ = newChan.Reject(ssh.ConnectionFailed, "Connection refused")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			_ = remote.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			_, _ = io.Copy(ch, remote)
			_ = ch.Close()
		}()
		go func() {
			_, _ = io.Copy(remote, ch)
			_ = remote.Close()
		}()
	}
}

func listenOpen(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func connectGateway(t *testing.T) *Dialer {
	t.Helper()

	keyPath, pub := writeClientKey(t)
	port := startGateway(t, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := Connect(ctx, Config{User: "scanner", Host: "127.0.0.1", Port: port, KeyPath: keyPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDialerThroughGateway(t *testing.T) {
	d := connectGateway(t)
	open := listenOpen(t)
	closed, err := freeport.GetFreePort()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(open)))
	require.NoError(t, err)
	_ = conn.Close()

	_, err = d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(closed)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ECONNREFUSED), err.Error())
}

func TestScanThroughGateway(t *testing.T) {
	d := connectGateway(t)
	open := listenOpen(t)
	closed, err := freeport.GetFreePort()
	require.NoError(t, err)

	target := scan.Target{Host: "127.0.0.1", IP: net.ParseIP("127.0.0.1").To4()}
	scanner := scan.NewConnectScanner(scan.Options{Timeout: 2 * time.Second, Verbose: true, Dialer: d})
	session := scanner.Scan(context.Background(), target, []int{open, closed})

	states := map[int]scan.PortState{}
	for r := range session.Results() {
		states[r.Port] = r.State
	}

	assert.Equal(t, scan.PortOpen, states[open])
	assert.Equal(t, scan.PortClosedOrFiltered, states[closed])

	status, err := session.Wait()
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, status)
}

func TestDialerClosed(t *testing.T) {
	d := connectGateway(t)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	assert.Error(t, err)
}
