package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Auth types accepted by Config.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Config holds connection parameters for an SSH runner.
type Config struct {
	Host     string
	Port     int
	User     string
	AuthType string // AuthPassword or AuthKey
	Secret   string // password string or PEM private key
}

// SSHRunner runs commands on a remote host over SSH. Each Run dials a fresh
// connection; probe commands are rare and short-lived, and a cached client
// would itself need liveness supervision.
type SSHRunner struct {
	cfg Config
}

// NewSSHRunner creates a runner with the given config.
func NewSSHRunner(cfg Config) *SSHRunner {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSHRunner{cfg: cfg}
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch r.cfg.AuthType {
	case AuthKey:
		signer, err := ssh.ParsePrivateKey([]byte(r.cfg.Secret))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		authMethods = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	default:
		authMethods = []ssh.AuthMethod{ssh.Password(r.cfg.Secret)}
	}

	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // tunnel hosts are operator-controlled
		Timeout:         10 * time.Second,
	}, nil
}

func (r *SSHRunner) dial() (*ssh.Client, error) {
	cfg, err := r.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	return ssh.Dial("tcp", addr, cfg)
}

// Run executes a command on the remote host and returns buffered stdout.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	client, err := r.dial()
	if err != nil {
		return "", fmt.Errorf("ssh connect to %s: %w", r.cfg.Host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Respect context cancellation via a goroutine.
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = client.Close()
		return "", ctx.Err()
	case err = <-done:
		if err != nil {
			return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
		}
	}
	return stdout.String(), nil
}

// Ping opens and immediately closes an SSH connection.
func (r *SSHRunner) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		client, err := r.dial()
		if err == nil {
			_ = client.Close()
		}
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Host returns the remote host label.
func (r *SSHRunner) Host() string { return r.cfg.Host }

// defaultKeyNames are the private keys probed by DetectAuth, in order.
var defaultKeyNames = []string{"id_ed25519", "id_rsa"}

// DetectAuth picks the authentication method for host. The configured key
// file, or without one each default key in turn, selects key auth when it
// parses and survives a live dial; otherwise the password is used. Mirrors the startup auth detection of the
// original manager.
func DetectAuth(ctx context.Context, host string, port int, user, password, keyFile string) Config {
	candidates := make([]string, 0, len(defaultKeyNames)+1)
	if keyFile != "" {
		candidates = append(candidates, keyFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		for _, name := range defaultKeyNames {
			candidates = append(candidates, filepath.Join(home, ".ssh", name))
		}
	}

	for _, path := range candidates {
		pem, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if _, err := ssh.ParsePrivateKey(pem); err != nil {
			continue
		}
		cfg := Config{Host: host, Port: port, User: user, AuthType: AuthKey, Secret: string(pem)}
		if err := NewSSHRunner(cfg).Ping(ctx); err == nil {
			return cfg
		}
	}

	return Config{Host: host, Port: port, User: user, AuthType: AuthPassword, Secret: password}
}
