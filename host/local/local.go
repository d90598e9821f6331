//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package local runs staged scripts on the machine the step runs on.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"trpc.group/trpc-go/trpc-managed-script/host"
)

const defaultWaitDelay = 10 * time.Second

var _ host.Host = (*Host)(nil)

// Option configures the host.
type Option func(*Host)

// WithShell sets the default shell used for scripts without a shebang.
func WithShell(shell string) Option {
	return func(h *Host) { h.shell = shell }
}

// WithName sets the host name reported in logs and spans.
func WithName(name string) Option {
	return func(h *Host) { h.name = name }
}

// WithWaitDelay bounds how long Launch waits for the process to exit after
// it has been signalled.
func WithWaitDelay(d time.Duration) Option {
	return func(h *Host) { h.waitDelay = d }
}

// Host is the local machine.
type Host struct {
	name      string
	shell     string
	waitDelay time.Duration
}

// New creates a local host.
func New(opts ...Option) *Host {
	h := &Host{name: "local", waitDelay: defaultWaitDelay}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements host.Host.
func (h *Host) Name() string { return h.name }

// FS implements host.Host.
func (h *Host) FS() host.FileSystem { return fileSystem{} }

// Launcher implements host.Host.
func (h *Host) Launcher() host.Launcher { return h }

// DefaultShell implements host.Host.
func (h *Host) DefaultShell(context.Context) (string, error) {
	if h.shell != "" {
		return h.shell, nil
	}
	if runtime.GOOS == "windows" {
		return "cmd.exe", nil
	}
	return "/bin/sh", nil
}

// Launch implements host.Launcher.
func (h *Host) Launch(ctx context.Context, spec host.LaunchSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return -1, errors.New("local: empty argv")
	}
	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...) //nolint:gosec
	cmd.Dir = spec.Dir
	env := os.Environ()
	if spec.Dir != "" {
		env = append(env, "PWD="+spec.Dir)
	}
	cmd.Env = append(env, host.EnvList(spec.Env)...)
	cmd.Stdout, cmd.Stderr = spec.Sinks()
	cmd.Cancel = func() error {
		if runtime.GOOS == "windows" {
			return cmd.Process.Kill()
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = h.waitDelay

	runErr := cmd.Run()
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if runErr != nil {
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			return ee.ExitCode(), nil
		}
		return -1, fmt.Errorf("local: launch %s: %w", spec.Argv[0], runErr)
	}
	return 0, nil
}

type fileSystem struct{}

func (fileSystem) WriteFile(_ context.Context, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", host.ErrExist, path)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile applies the umask.
	return os.Chmod(path, mode)
}

func (fileSystem) Remove(_ context.Context, path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (fileSystem) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
