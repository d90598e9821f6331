//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package ssh runs staged scripts on a machine reached over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"trpc.group/trpc-go/trpc-managed-script/host"
)

const defaultShell = "/bin/sh"

var _ host.Host = (*Host)(nil)

type options struct {
	user           string
	password       string
	keyFile        string
	knownHostsFile string
	insecure       bool
	shell          string
	timeout        time.Duration
}

// Option configures the host.
type Option func(*options)

// WithUser sets the login user.
func WithUser(user string) Option {
	return func(o *options) { o.user = user }
}

// WithPassword enables password authentication.
func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

// WithPrivateKeyFile enables public key authentication with an
// unencrypted private key.
func WithPrivateKeyFile(path string) Option {
	return func(o *options) { o.keyFile = path }
}

// WithKnownHostsFile verifies the server key against a known_hosts file.
func WithKnownHostsFile(path string) Option {
	return func(o *options) { o.knownHostsFile = path }
}

// WithInsecureIgnoreHostKey accepts any server key. Meant for tests.
func WithInsecureIgnoreHostKey() Option {
	return func(o *options) { o.insecure = true }
}

// WithShell sets the default shell used for scripts without a shebang.
func WithShell(shell string) Option {
	return func(o *options) { o.shell = shell }
}

// WithDialTimeout bounds the TCP connect and handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Host is a remote machine.
type Host struct {
	client *ssh.Client
	addr   string
	shell  string
	owned  bool
}

// Dial connects to addr (host:port).
func Dial(ctx context.Context, addr string, opts ...Option) (*Host, error) {
	o := &options{shell: defaultShell, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	cfg, err := clientConfig(o)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: dial %s: %w", addr, err)
	}
	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh: handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return &Host{client: ssh.NewClient(c, chans, reqs), addr: addr, shell: o.shell, owned: true}, nil
}

func clientConfig(o *options) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{User: o.user, Timeout: o.timeout}
	if o.password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(o.password))
	}
	if o.keyFile != "" {
		pem, err := os.ReadFile(o.keyFile)
		if err != nil {
			return nil, fmt.Errorf("ssh: read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("ssh: parse key %s: %w", o.keyFile, err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if len(cfg.Auth) == 0 {
		return nil, errors.New("ssh: no authentication method configured")
	}
	switch {
	case o.knownHostsFile != "":
		cb, err := knownhosts.New(o.knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("ssh: known hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	case o.insecure:
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	default:
		return nil, errors.New("ssh: host key verification requires a known_hosts file")
	}
	return cfg, nil
}

// New wraps an established client. The host does not close it.
func New(client *ssh.Client, opts ...Option) *Host {
	o := &options{shell: defaultShell}
	for _, opt := range opts {
		opt(o)
	}
	return &Host{client: client, addr: client.RemoteAddr().String(), shell: o.shell}
}

// Close closes the connection opened by Dial.
func (h *Host) Close() error {
	if !h.owned {
		return nil
	}
	return h.client.Close()
}

// Name implements host.Host.
func (h *Host) Name() string { return "ssh:" + h.addr }

// FS implements host.Host.
func (h *Host) FS() host.FileSystem { return h }

// Launcher implements host.Host.
func (h *Host) Launcher() host.Launcher { return h }

// DefaultShell implements host.Host.
func (h *Host) DefaultShell(context.Context) (string, error) { return h.shell, nil }

// Launch implements host.Launcher.
func (h *Host) Launch(ctx context.Context, spec host.LaunchSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return -1, errors.New("ssh: empty argv")
	}
	stdout, stderr := spec.Sinks()
	return h.run(ctx, launchCommand(spec), nil, stdout, stderr)
}

// launchCommand renders spec as one remote shell command line.
func launchCommand(spec host.LaunchSpec) string {
	var b strings.Builder
	if spec.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(host.ShellQuote(spec.Dir))
		b.WriteString(" && ")
	}
	if env := host.EnvList(spec.Env); len(env) > 0 {
		b.WriteString("env ")
		b.WriteString(host.ShellJoin(env))
		b.WriteString(" ")
	}
	b.WriteString(host.ShellJoin(spec.Argv))
	return b.String()
}

func writeCommand(p string, mode os.FileMode) string {
	q := host.ShellQuote(p)
	return fmt.Sprintf("set -C && cat > %s && chmod %o %s", q, mode.Perm(), q)
}

// WriteFile implements host.FileSystem. The shell's noclobber option makes
// the create exclusive.
func (h *Host) WriteFile(ctx context.Context, p string, content []byte, mode os.FileMode) error {
	exists, err := h.Exists(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", host.ErrExist, p)
	}
	var stderr bytes.Buffer
	code, err := h.run(ctx, writeCommand(p, mode), bytes.NewReader(content), io.Discard, &stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("ssh: write %s exited %d: %s", p, code, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Remove implements host.FileSystem.
func (h *Host) Remove(ctx context.Context, p string) error {
	var stderr bytes.Buffer
	code, err := h.run(ctx, "rm -f -- "+host.ShellQuote(p), nil, io.Discard, &stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("ssh: rm %s exited %d: %s", p, code, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Exists implements host.FileSystem.
func (h *Host) Exists(ctx context.Context, p string) (bool, error) {
	code, err := h.run(ctx, "test -e "+host.ShellQuote(p), nil, io.Discard, io.Discard)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("ssh: test -e %s exited %d", p, code)
	}
}

// run executes cmd in a new session and waits for it. On cancellation the
// remote process gets SIGTERM and the session is closed.
func (h *Host) run(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("ssh: new session: %w", err)
	}
	defer session.Close()

	if host.SameWriter(stdout, stderr) {
		w := &lockedWriter{w: stdout}
		stdout, stderr = w, w
	}
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("ssh: start: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return -1, ctx.Err()
	case err := <-waitErr:
		if err == nil {
			return 0, nil
		}
		var ee *ssh.ExitError
		if errors.As(err, &ee) {
			return ee.ExitStatus(), nil
		}
		return -1, fmt.Errorf("ssh: wait: %w", err)
	}
}

// lockedWriter serialises writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
