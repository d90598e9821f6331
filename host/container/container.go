//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package container runs staged scripts inside a running Docker container
// through the exec API.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	tcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	archive "github.com/moby/go-archive"

	"trpc.group/trpc-go/trpc-managed-script/host"
	"trpc.group/trpc-go/trpc-managed-script/log"
)

const (
	defaultShell        = "/bin/sh"
	wrapperShell        = "/bin/sh"
	pidDir              = "/tmp"
	inspectPeriod       = 50 * time.Millisecond
	maxInspectPeriod    = time.Second
	housekeepingTimeout = 10 * time.Second
)

// pidScript records the shell's PID in $0 and replaces itself with the
// command, so the recorded PID is the command's.
const pidScript = `echo $$ >"$0" 2>/dev/null; exec "$@"`

// killScript signals the PID recorded in $0 and removes the file.
const killScript = `if [ -s "$0" ]; then kill -TERM "$(cat "$0")" 2>/dev/null; fi; rm -f -- "$0"`

var _ host.Host = (*Host)(nil)

// API is the part of the Docker client the host uses.
type API interface {
	ContainerExecCreate(ctx context.Context, containerID string, options tcontainer.ExecOptions) (tcontainer.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config tcontainer.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (tcontainer.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options tcontainer.CopyToContainerOptions) error
	ContainerStatPath(ctx context.Context, containerID, path string) (tcontainer.PathStat, error)
}

// Option configures the host.
type Option func(*Host)

// WithShell sets the default shell used for scripts without a shebang.
func WithShell(shell string) Option {
	return func(h *Host) { h.shell = shell }
}

// WithUser runs every exec as user.
func WithUser(user string) Option {
	return func(h *Host) { h.user = user }
}

// Host is a running container.
type Host struct {
	api         API
	containerID string
	shell       string
	user        string
	closer      io.Closer
}

// New creates a host over an existing client.
func New(api API, containerID string, opts ...Option) *Host {
	h := &Host{api: api, containerID: containerID, shell: defaultShell}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewFromEnv builds a Docker client from the DOCKER_* environment and
// returns a host for containerID. Close releases the client.
func NewFromEnv(ctx context.Context, containerID string, opts ...Option) (*Host, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: docker client: %w", err)
	}
	if _, err := cli.ContainerInspect(ctx, containerID); err != nil {
		cli.Close()
		return nil, fmt.Errorf("container: inspect %s: %w", containerID, err)
	}
	h := New(cli, containerID, opts...)
	h.closer = cli
	return h, nil
}

// Close releases the client created by NewFromEnv.
func (h *Host) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}

// Name implements host.Host.
func (h *Host) Name() string { return "container:" + h.containerID }

// FS implements host.Host.
func (h *Host) FS() host.FileSystem { return h }

// Launcher implements host.Host.
func (h *Host) Launcher() host.Launcher { return h }

// DefaultShell implements host.Host.
func (h *Host) DefaultShell(context.Context) (string, error) { return h.shell, nil }

// Launch implements host.Launcher. Output is demultiplexed on the calling
// goroutine and the call returns once the daemon reports the exec stopped.
// The command runs under a small sh wrapper that records its PID, so on
// cancellation the process gets SIGTERM through a second exec.
func (h *Host) Launch(ctx context.Context, spec host.LaunchSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return -1, errors.New("container: empty argv")
	}
	pidFile := path.Join(pidDir, "scriptstep-"+uuid.NewString()+".pid")
	wrapped := spec
	wrapped.Argv = append([]string{wrapperShell, "-c", pidScript, pidFile}, spec.Argv...)
	code, err := h.exec(ctx, wrapped)

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), housekeepingTimeout)
	defer cancel()
	if ctx.Err() != nil {
		if kerr := h.terminate(hctx, pidFile); kerr != nil {
			log.Warnf("container: terminate exec in %s: %v", h.containerID, kerr)
		}
		return -1, ctx.Err()
	}
	if rerr := h.Remove(hctx, pidFile); rerr != nil {
		log.Warnf("container: remove %s: %v", pidFile, rerr)
	}
	return code, err
}

// terminate sends SIGTERM to the process recorded in pidFile.
func (h *Host) terminate(ctx context.Context, pidFile string) error {
	var stderr bytes.Buffer
	code, err := h.exec(ctx, host.LaunchSpec{
		Argv:   []string{wrapperShell, "-c", killScript, pidFile},
		Stderr: &stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("kill exited %d: %s", code, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// exec runs spec as one exec and waits for it to stop. Docker cannot
// signal an exec, so cancellation only closes the attached stream.
func (h *Host) exec(ctx context.Context, spec host.LaunchSpec) (int, error) {
	stdout, stderr := spec.Sinks()
	ex, err := h.api.ContainerExecCreate(ctx, h.containerID, tcontainer.ExecOptions{
		Cmd:          spec.Argv,
		Env:          host.EnvList(spec.Env),
		WorkingDir:   spec.Dir,
		User:         h.user,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("container: exec create: %w", err)
	}
	hj, err := h.api.ContainerExecAttach(ctx, ex.ID, tcontainer.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("container: exec attach: %w", err)
	}
	var once sync.Once
	closeConn := func() { once.Do(hj.Close) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	_, copyErr := stdcopy.StdCopy(stdout, stderr, hj.Reader)
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if copyErr != nil {
		return -1, fmt.Errorf("container: read exec output: %w", copyErr)
	}
	return h.exitCode(ctx, ex.ID)
}

// exitCode polls until the daemon reports the exec stopped. The stream
// ends early when the process closes its output, and the exit code of a
// running exec is meaningless.
func (h *Host) exitCode(ctx context.Context, execID string) (int, error) {
	period := inspectPeriod
	for {
		insp, err := h.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("container: exec inspect: %w", err)
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(period):
		}
		if period < maxInspectPeriod {
			period *= 2
		}
	}
}

// WriteFile implements host.FileSystem with a stat followed by a
// single-file tar copy into the parent directory.
func (h *Host) WriteFile(ctx context.Context, p string, content []byte, mode os.FileMode) error {
	exists, err := h.Exists(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", host.ErrExist, p)
	}
	rd, err := tarFile(path.Base(p), content, mode)
	if err != nil {
		return fmt.Errorf("container: tar %s: %w", p, err)
	}
	defer rd.Close()
	if err := h.api.CopyToContainer(ctx, h.containerID, path.Dir(p), rd,
		tcontainer.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("container: copy %s: %w", p, err)
	}
	return nil
}

// Remove implements host.FileSystem.
func (h *Host) Remove(ctx context.Context, p string) error {
	var stderr bytes.Buffer
	code, err := h.exec(ctx, host.LaunchSpec{
		Argv:   []string{"rm", "-f", "--", p},
		Stderr: &stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("container: rm %s exited %d: %s", p, code, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Exists implements host.FileSystem.
func (h *Host) Exists(ctx context.Context, p string) (bool, error) {
	_, err := h.api.ContainerStatPath(ctx, h.containerID, p)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("container: stat %s: %w", p, err)
}

// tarFile packs content as a single entry called name. The file is laid
// out in a scratch directory first so its mode survives the archive; the
// directory is removed when the stream is closed.
func tarFile(name string, content []byte, mode os.FileMode) (io.ReadCloser, error) {
	dir, err := os.MkdirTemp("", "scriptstep-stage-")
	if err != nil {
		return nil, err
	}
	local := filepath.Join(dir, name)
	if err := os.WriteFile(local, content, mode.Perm()); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := os.Chmod(local, mode.Perm()); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	rd, err := archive.TarWithOptions(dir, &archive.TarOptions{IncludeFiles: []string{name}})
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &scratchReader{ReadCloser: rd, dir: dir}, nil
}

type scratchReader struct {
	io.ReadCloser
	dir string
}

func (r *scratchReader) Close() error {
	err := r.ReadCloser.Close()
	if rerr := os.RemoveAll(r.dir); err == nil {
		err = rerr
	}
	return err
}
