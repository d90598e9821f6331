//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package scriptstep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"trpc.group/trpc-go/trpc-managed-script/host"
	"trpc.group/trpc-go/trpc-managed-script/script"
)

const (
	tempPrefix    = "build_step_template"
	maxNameLength = 32
	remoteMode    = os.FileMode(0o755)
)

// Artifact is a staged script: a local temp file holding the template
// content and its copy in the build's working directory. Paths that were
// never created are empty.
type Artifact struct {
	LocalPath  string
	RemotePath string

	fs     host.FileSystem
	once   sync.Once
	err    error
	failed []string
}

// Release removes both copies. It runs once; later calls return the first
// result. Every removal is attempted even when an earlier one fails.
func (a *Artifact) Release(ctx context.Context) error {
	a.once.Do(func() {
		var merr *multierror.Error
		if a.RemotePath != "" && a.fs != nil {
			if err := a.fs.Remove(ctx, a.RemotePath); err != nil {
				a.failed = append(a.failed, a.RemotePath)
				merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", a.RemotePath, err))
			}
		}
		if a.LocalPath != "" {
			if err := os.Remove(a.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				a.failed = append(a.failed, a.LocalPath)
				merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", a.LocalPath, err))
			}
		}
		if err := merr.ErrorOrNil(); err != nil {
			a.err = fmt.Errorf("%w: %w", ErrCleanup, err)
		}
	})
	return a.err
}

// FailedPaths lists the paths Release could not remove.
func (a *Artifact) FailedPaths() []string {
	return append([]string(nil), a.failed...)
}

// stage writes the template content to a local temp file and copies it
// into workDir on h. The returned Artifact is never nil and records
// whatever was created, also on error.
func stage(ctx context.Context, h host.Host, tpl script.Template, workDir, tempDir string) (*Artifact, error) {
	a := &Artifact{fs: h.FS()}
	if workDir == "" {
		return a, fmt.Errorf("%w: build has no working directory", ErrStaging)
	}
	ok, err := a.fs.Exists(ctx, workDir)
	if err != nil {
		return a, fmt.Errorf("%w: stat working directory %s: %w", ErrStaging, workDir, err)
	}
	if !ok {
		return a, fmt.Errorf("%w: working directory %s does not exist", ErrStaging, workDir)
	}

	name := sanitize(tpl.Name)
	ext := tpl.Kind.Extension()
	f, err := os.CreateTemp(tempDir, tempPrefix+"_"+name+"_*"+ext)
	if err != nil {
		return a, fmt.Errorf("%w: create local temp file: %w", ErrStaging, err)
	}
	a.LocalPath = f.Name()
	_, werr := f.WriteString(tpl.Content)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return a, fmt.Errorf("%w: write %s: %w", ErrStaging, a.LocalPath, err)
	}
	content, err := os.ReadFile(a.LocalPath)
	if err != nil {
		return a, fmt.Errorf("%w: read %s: %w", ErrStaging, a.LocalPath, err)
	}

	remote := path.Join(workDir, fmt.Sprintf("%s_%s_%s%s", tempPrefix, name, uuid.NewString(), ext))
	if err := a.fs.WriteFile(ctx, remote, content, remoteMode); err != nil {
		// A path that already existed belongs to someone else.
		if !errors.Is(err, host.ErrExist) {
			a.RemotePath = remote
		}
		return a, fmt.Errorf("%w: copy to %s on %s: %w", ErrStaging, remote, h.Name(), err)
	}
	a.RemotePath = remote
	return a, nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= maxNameLength {
			break
		}
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "script"
	}
	return b.String()
}
