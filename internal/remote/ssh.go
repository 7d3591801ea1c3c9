// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures the SSH dialer.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	CredentialPath string // private key file
	KnownHostsPath string // empty disables host key verification
	DialTimeout    time.Duration
	CommandPrefix  []string // prepended to every argv, e.g. ["dokku"] for non-dokku users
}

// SSHDialer dials the remote host with public-key authentication.
type SSHDialer struct {
	addr   string
	prefix []string
	cfg    *ssh.ClientConfig
	dialer net.Dialer
	logger zerolog.Logger
}

// NewSSHDialer loads the key material and builds a dialer.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	logger := xglog.WithComponent("remote")

	// #nosec G304 -- credential path is operator-provided configuration
	keyBytes, err := os.ReadFile(cfg.CredentialPath)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- explicit operator opt-out, logged below
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		logger.Warn().
			Str(xglog.FieldEvent, "remote.hostkey_unverified").
			Str(xglog.FieldRemoteHost, cfg.Host).
			Msg("host key verification disabled; set remote.knownHostsPath")
	}

	return &SSHDialer{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		prefix: append([]string(nil), cfg.CommandPrefix...),
		cfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		dialer: net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second},
		logger: logger,
	}, nil
}

// Dial opens a TCP connection and performs the SSH handshake.
func (d *SSHDialer) Dial(ctx context.Context) (Conn, error) {
	tcp, err := d.dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDial, d.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = tcp.SetDeadline(deadline)
	} else {
		_ = tcp.SetDeadline(time.Now().Add(d.cfg.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(tcp, d.addr, d.cfg)
	if err != nil {
		_ = tcp.Close()
		return nil, classifyHandshake(d.addr, err)
	}
	_ = tcp.SetDeadline(time.Time{})

	return &sshConn{client: ssh.NewClient(c, chans, reqs), prefix: d.prefix}, nil
}

func classifyHandshake(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return fmt.Errorf("%w: %s: host key mismatch: %v", ErrAuth, addr, err)
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return fmt.Errorf("%w: %s: host key revoked: %v", ErrAuth, addr, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("%w: %s: %v", ErrAuth, addr, err)
	}
	return fmt.Errorf("%w: %s: handshake: %v", ErrDial, addr, err)
}

type sshConn struct {
	client *ssh.Client
	prefix []string

	mu     sync.Mutex
	closed bool
}

func (c *sshConn) argv(argv []string) []string {
	if len(c.prefix) == 0 {
		return argv
	}
	out := make([]string, 0, len(c.prefix)+len(argv))
	out = append(out, c.prefix...)
	return append(out, argv...)
}

func (c *sshConn) newSession() (*ssh.Session, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", ErrTransport, err)
	}
	return sess, nil
}

func (c *sshConn) Exec(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	sess, err := c.newSession()
	if err != nil {
		return -1, err
	}
	defer func() { _ = sess.Close() }()

	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(CommandLine(c.argv(argv))); err != nil {
		return -1, fmt.Errorf("%w: start: %w", ErrTransport, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return -1, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("%w: %w", ErrTransport, err)
}

func (c *sshConn) Start(ctx context.Context, argv []string) (Process, error) {
	sess, err := c.newSession()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw
	if err := sess.Start(CommandLine(c.argv(argv))); err != nil {
		_ = sess.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: start: %w", ErrTransport, err)
	}

	p := &sshProcess{sess: sess, out: pr, done: make(chan struct{})}
	go func() {
		err := sess.Wait()
		p.code, p.err = exitStatus(err)
		_ = pw.Close()
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Terminate(0)
		case <-p.done:
		}
	}()
	return p, nil
}

func (c *sshConn) Probe(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%w: probe: %v", ErrTransport, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: probe: %v", ErrTransport, ctx.Err())
	}
}

func (c *sshConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.client.Close()
}

type sshProcess struct {
	sess *ssh.Session
	out  *io.PipeReader
	done chan struct{}
	code int
	err  error

	once sync.Once
}

func (p *sshProcess) Output() io.Reader { return p.out }

func (p *sshProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *sshProcess) Terminate(grace time.Duration) error {
	p.once.Do(func() {
		_ = p.sess.Signal(ssh.SIGTERM)
		if grace > 0 {
			select {
			case <-p.done:
			case <-time.After(grace):
			}
		}
		_ = p.sess.Close()
		_ = p.out.CloseWithError(ErrClosed)
	})
	return nil
}
