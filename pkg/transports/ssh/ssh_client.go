package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

var _ Transport = (*SSHClient)(nil)

// SSHClient is a single SSH connection to another node.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// Connect dials the node described by config.
func Connect(ctx context.Context, config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	address := config.Address()
	logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	results := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		results <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-results; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-results:
		if r.err != nil {
			return nil, &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		logger.Debug().Str("address", address).Msg("SSH connection established")
		return &SSHClient{config: config, logger: logger, client: r.client}, nil
	}
}

type dialResult struct {
	client *ssh.Client
	err    error
}

func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: errors.New("connection closed")}
	}
	return c.client, nil
}

// Run implements Transport.
func (c *SSHClient) Run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	start := time.Now()

	client, err := c.getClient()
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", &TransportError{Op: "session", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var out lockedBuffer
	session.Stdout = &out
	session.Stderr = &out
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	output := out.String()
	c.logger.Debug().
		Str("host", c.config.Host).
		Str("cmd", cmd).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("Remote command finished")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return output, engine.NewCommandError(fmt.Sprintf("ssh %s %s", c.config.Host, cmd), exitErr.ExitStatus(), output)
		}
		return output, &TransportError{Op: "run", Err: runErr, IsTemporary: true}
	}
	return output, nil
}

// Close implements Transport.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// NodeDialer opens SSH connections to other nodes with a shared base
// configuration.
type NodeDialer struct {
	Base   *Config
	Logger zerolog.Logger
}

// Dial implements Dialer.
func (d *NodeDialer) Dial(ctx context.Context, host string) (Transport, error) {
	return Connect(ctx, d.Base.ForHost(host), d.Logger)
}

// lockedBuffer collects stdout and stderr, which the session copies from
// separate goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
