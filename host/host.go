//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package host abstracts the machine a staged script runs on: a file
// system scoped to the build and a process launcher.
package host

import (
	"context"
	"errors"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
)

// ErrExist is returned by FileSystem.WriteFile when the path already exists.
var ErrExist = errors.New("host: file already exists")

// LaunchSpec describes one process launch.
type LaunchSpec struct {
	// Argv is the full command line; Argv[0] is the executable.
	Argv []string
	// Env is overlaid on the host's environment.
	Env map[string]string
	// Dir is the working directory.
	Dir string
	// Stdout and Stderr receive output as it is produced. Passing the same
	// writer for both keeps the interleaving of the two streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Launcher starts processes on a host.
type Launcher interface {
	// Launch blocks until the process exits and returns its exit code.
	// A non-nil error means the process could not be started or its
	// status could not be read; a non-zero exit code is not an error.
	// When ctx is cancelled the process is signalled to stop and
	// ctx.Err() is returned.
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
}

// FileSystem is the file access a step needs on a host.
type FileSystem interface {
	// WriteFile creates path with content and mode. It fails with ErrExist
	// when path already exists.
	WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error
	// Remove deletes path. A missing file is not an error.
	Remove(ctx context.Context, path string) error
	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// Host is an execution host. Implementations must allow concurrent
// launches.
type Host interface {
	Name() string
	FS() FileSystem
	Launcher() Launcher
	// DefaultShell returns the executable used for scripts without a
	// shebang line.
	DefaultShell(ctx context.Context) (string, error)
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	q := strings.ReplaceAll(s, "'", "'\\''")
	return "'" + q + "'"
}

// ShellJoin quotes each element of argv and joins them with spaces.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = ShellQuote(a)
	}
	return strings.Join(parts, " ")
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Sinks returns the output writers with nil replaced by io.Discard.
func (s LaunchSpec) Sinks() (stdout, stderr io.Writer) {
	stdout, stderr = s.Stdout, s.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return stdout, stderr
}

// SameWriter reports whether a and b are the same writer. Writers whose
// dynamic type is not comparable are never the same.
func SameWriter(a, b io.Writer) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
