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
	"os"
	"strings"
	"sync"

	"trpc.group/trpc-go/trpc-managed-script/host"
)

// fakeHost keeps files in memory and records launches.
type fakeHost struct {
	mu        sync.Mutex
	dirs      map[string]bool
	files     map[string][]byte
	modes     map[string]os.FileMode
	removed   []string
	removeCtx []error
	launches  []launchRecord
	shell     string
	shellErr  error
	writeErr  error
	removeErr error
	launch    func(ctx context.Context, spec host.LaunchSpec) (int, error)
}

type launchRecord struct {
	spec    host.LaunchSpec
	content string
}

func newFakeHost(dirs ...string) *fakeHost {
	h := &fakeHost{
		dirs:  map[string]bool{},
		files: map[string][]byte{},
		modes: map[string]os.FileMode{},
		shell: "/bin/sh",
	}
	for _, d := range dirs {
		h.dirs[d] = true
	}
	return h
}

func (h *fakeHost) Name() string            { return "fake" }
func (h *fakeHost) FS() host.FileSystem     { return h }
func (h *fakeHost) Launcher() host.Launcher { return h }

func (h *fakeHost) DefaultShell(context.Context) (string, error) {
	return h.shell, h.shellErr
}

func (h *fakeHost) WriteFile(_ context.Context, p string, content []byte, mode os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.files[p]; ok {
		return host.ErrExist
	}
	if h.writeErr != nil {
		return h.writeErr
	}
	h.files[p] = append([]byte(nil), content...)
	h.modes[p] = mode
	return nil
}

func (h *fakeHost) Remove(ctx context.Context, p string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, p)
	h.removeCtx = append(h.removeCtx, ctx.Err())
	if h.removeErr != nil {
		return h.removeErr
	}
	delete(h.files, p)
	return nil
}

func (h *fakeHost) Exists(_ context.Context, p string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirs[p] {
		return true, nil
	}
	_, ok := h.files[p]
	return ok, nil
}

func (h *fakeHost) Launch(ctx context.Context, spec host.LaunchSpec) (int, error) {
	h.mu.Lock()
	rec := launchRecord{spec: spec}
	for _, a := range spec.Argv {
		if c, ok := h.files[a]; ok {
			rec.content = string(c)
		}
	}
	h.launches = append(h.launches, rec)
	fn := h.launch
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return 0, nil
}

func (h *fakeHost) fileCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.files)
}

func (h *fakeHost) lastLaunch() launchRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.launches[len(h.launches)-1]
}

func (h *fakeHost) launchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.launches)
}

// stagedUnder lists the files h holds below dir.
func (h *fakeHost) stagedUnder(dir string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for p := range h.files {
		if strings.HasPrefix(p, dir+"/") {
			out = append(out, p)
		}
	}
	return out
}

var errBoom = errors.New("boom")
