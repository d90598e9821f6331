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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-managed-script/host"
	"trpc.group/trpc-go/trpc-managed-script/host/local"
	"trpc.group/trpc-go/trpc-managed-script/script"
)

func TestStage_LocalHost(t *testing.T) {
	ctx := context.Background()
	work, tmp := t.TempDir(), t.TempDir()
	tpl := script.New("hello", "Say hello!", script.KindShell, "#!/bin/sh\necho hi\n")

	a, err := stage(ctx, local.New(), tpl, work, tmp)
	require.NoError(t, err)

	assert.Equal(t, tmp, filepath.Dir(a.LocalPath))
	assert.True(t, strings.HasPrefix(filepath.Base(a.LocalPath), "build_step_template_Say_hello__"))
	assert.True(t, strings.HasSuffix(a.LocalPath, ".sh"))
	assert.Equal(t, work, filepath.Dir(a.RemotePath))
	assert.True(t, strings.HasSuffix(a.RemotePath, ".sh"))

	localContent, err := os.ReadFile(a.LocalPath)
	require.NoError(t, err)
	remote, err := os.ReadFile(a.RemotePath)
	require.NoError(t, err)
	assert.Equal(t, tpl.Content, string(localContent))
	assert.Equal(t, localContent, remote)

	fi, err := os.Stat(a.RemotePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	require.NoError(t, a.Release(ctx))
	assert.NoFileExists(t, a.LocalPath)
	assert.NoFileExists(t, a.RemotePath)
}

func TestStage_UniqueRemoteNames(t *testing.T) {
	ctx := context.Background()
	h := newFakeHost("/w")
	tpl := script.New("a", "a", script.KindBatch, "echo a")
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		a, err := stage(ctx, h, tpl, "/w", t.TempDir())
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(a.RemotePath, ".bat"))
		assert.False(t, seen[a.RemotePath])
		seen[a.RemotePath] = true
		require.NoError(t, a.Release(ctx))
	}
	assert.Zero(t, h.fileCount())
}

func TestStage_MissingWorkDir(t *testing.T) {
	ctx := context.Background()
	tpl := script.New("a", "a", script.KindShell, "ls")

	a, err := stage(ctx, newFakeHost(), tpl, "", t.TempDir())
	require.ErrorIs(t, err, ErrStaging)
	require.NotNil(t, a)
	assert.Empty(t, a.LocalPath)

	a, err = stage(ctx, newFakeHost(), tpl, "/nope", t.TempDir())
	require.ErrorIs(t, err, ErrStaging)
	assert.Empty(t, a.LocalPath)
	assert.Empty(t, a.RemotePath)
}

func TestStage_RemoteWriteFails(t *testing.T) {
	ctx := context.Background()
	h := newFakeHost("/w")
	h.writeErr = errBoom
	tmp := t.TempDir()

	a, err := stage(ctx, h, script.New("a", "a", script.KindShell, "ls"), "/w", tmp)
	require.ErrorIs(t, err, ErrStaging)
	require.ErrorIs(t, err, errBoom)
	assert.FileExists(t, a.LocalPath)
	assert.NotEmpty(t, a.RemotePath)

	require.NoError(t, a.Release(ctx))
	assert.NoFileExists(t, a.LocalPath)
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type existFS struct{ *fakeHost }

func (existFS) WriteFile(context.Context, string, []byte, os.FileMode) error { return host.ErrExist }

type existHost struct{ *fakeHost }

func (h existHost) FS() host.FileSystem { return existFS{h.fakeHost} }

func TestStage_ExistingRemoteIsNotClaimed(t *testing.T) {
	ctx := context.Background()
	h := existHost{newFakeHost("/w")}

	a, err := stage(ctx, h, script.New("a", "a", script.KindShell, "ls"), "/w", t.TempDir())
	require.ErrorIs(t, err, ErrStaging)
	require.ErrorIs(t, err, host.ErrExist)
	assert.Empty(t, a.RemotePath)
	require.NoError(t, a.Release(ctx))
	assert.Empty(t, h.removed)
}

func TestArtifactRelease_Once(t *testing.T) {
	ctx := context.Background()
	h := newFakeHost("/w")
	h.removeErr = errBoom
	a, err := stage(ctx, h, script.New("a", "a", script.KindShell, "ls"), "/w", t.TempDir())
	require.NoError(t, err)

	err1 := a.Release(ctx)
	err2 := a.Release(ctx)
	require.ErrorIs(t, err1, ErrCleanup)
	require.ErrorIs(t, err1, errBoom)
	assert.Same(t, err1, err2)
	assert.Len(t, h.removed, 1)
	assert.Equal(t, []string{a.RemotePath}, a.FailedPaths())
	// The local copy is removed even though the remote removal failed.
	assert.NoFileExists(t, a.LocalPath)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "script", sanitize(""))
	assert.Equal(t, "a_b-c_", sanitize("a b-c!"))
	assert.Len(t, sanitize(strings.Repeat("x", 100)), maxNameLength)
}
