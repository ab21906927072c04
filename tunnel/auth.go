package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

var errNoAuth = errors.New("no SSH authentication available, use --ssh-key, --ssh-agent or --ssh-password")

// defaultKeyFiles are looked for under ~/.ssh when no auth flag is given.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// readSecret prompts on stderr and reads from the terminal without echo.
var readSecret = func(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(int(os.Stdin.Fd()))
}

// authMethods returns what --ssh-key, --ssh-agent and --ssh-password ask for,
// in that order. When none is set the agent and the default key files are
// used if available.
func (c Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.KeyPath == "" && !c.UseAgent && !c.PromptPass {
		return c.implicitAuthMethods()
	}

	var methods []ssh.AuthMethod

	if c.KeyPath != "" {
		signer, err := loadSigner(c.KeyPath, true)
		if err != nil {
			return nil, fmt.Errorf("--ssh-key %s: %w", c.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.UseAgent {
		m, err := agentAuthMethod()
		if err != nil {
			return nil, fmt.Errorf("--ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}

	if c.PromptPass {
		// only prompts if the gateway actually asks for a password
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			pass, err := readSecret(fmt.Sprintf("%s@%s's password: ", c.User, c.Host))
			return string(pass), err
		}))
	}

	return methods, nil
}

func (c Config) implicitAuthMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if m, err := agentAuthMethod(); err == nil {
		methods = append(methods, m)
	} else {
		log.Debugf("Gateway auth: agent unavailable: %s", err)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		var signers []ssh.Signer
		for _, name := range defaultKeyFiles {
			path := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			// encrypted default keys are skipped, --ssh-key prompts for them
			signer, err := loadSigner(path, false)
			if err != nil {
				log.Debugf("Gateway auth: skipping %s: %s", path, err)
				continue
			}
			signers = append(signers, signer)
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}

	if len(methods) == 0 {
		return nil, errNoAuth
	}
	return methods, nil
}

// loadSigner reads a private key, asking for its passphrase when it is
// encrypted and prompt is set.
func loadSigner(path string, prompt bool) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) || !prompt {
		return signer, err
	}

	passphrase, err := readSecret(fmt.Sprintf("Enter passphrase for %s: ", path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKeyWithPassphrase(pem, passphrase)
}

func agentAuthMethod() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// hostKeyCallback accepts any gateway key unless --strict-hostkey is set,
// in which case the key must be in known_hosts.
func (c Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKey {
		//nolint:gosec // host key checking is opt-in
		return ssh.InsecureIgnoreHostKey(), nil
	}

	file := c.KnownHosts
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(file)
}
