//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-managed-script/script"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func TestNew_LoadsNestedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deploy.yaml", `
id: deploy
name: Deploy
comment: rolls out a service
args: [host, "", port]
content: |
  #!/bin/bash -e
  echo "$1:$2"
`)
	writeFile(t, dir, "win/clean.yml", `
name: Clean
kind: batch
content: del /q build
`)
	writeFile(t, dir, "README.md", "not a template")

	p, err := New(context.Background(), dir)
	require.NoError(t, err)

	all, err := p.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Clean", all[0].Name)
	assert.Equal(t, "Deploy", all[1].Name)

	deploy, err := p.LookupByID(context.Background(), "deploy")
	require.NoError(t, err)
	assert.Equal(t, []string{"host", "port"}, deploy.ArgNames())
	assert.Equal(t, "#!/bin/bash -e\necho \"$1:$2\"\n", deploy.Content)
	assert.Equal(t, script.KindShell, deploy.Kind)

	clean, err := p.LookupByID(context.Background(), "win/clean")
	require.NoError(t, err)
	assert.Equal(t, script.KindBatch, clean.Kind)
}

func TestLookup_NotFound(t *testing.T) {
	p, err := New(context.Background(), t.TempDir())
	require.NoError(t, err)
	_, err = p.LookupByID(context.Background(), "nope")
	assert.True(t, errors.Is(err, script.ErrNotFound))
}

func TestNew_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "id: same\ncontent: echo a\n")
	writeFile(t, dir, "b.yaml", "id: same\ncontent: echo b\n")

	_, err := New(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.yaml")
	assert.Contains(t, err.Error(), "b.yaml")
}

func TestNew_BadKind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "x.yaml", "id: x\nkind: ruby\ncontent: puts 1\n")
	_, err := New(context.Background(), dir)
	assert.Error(t, err)
}

func TestNew_MissingDir(t *testing.T) {
	_, err := New(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	writeFile(t, dir, "plain", "x")
	_, err = New(context.Background(), filepath.Join(dir, "plain"))
	require.Error(t, err)
}

func TestReload_PicksUpChangesAndKeepsOldOnError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "id: a\ncontent: echo a\n")
	p, err := New(ctx, dir)
	require.NoError(t, err)

	writeFile(t, dir, "b.yaml", "id: b\ncontent: echo b\n")
	require.NoError(t, p.Reload(ctx))
	_, err = p.LookupByID(ctx, "b")
	require.NoError(t, err)

	writeFile(t, dir, "broken.yaml", "id: [unterminated\n")
	require.Error(t, p.Reload(ctx))
	_, err = p.LookupByID(ctx, "b")
	assert.NoError(t, err)
}

func TestWithPatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "id: a\ncontent: echo a\n")
	writeFile(t, dir, "only/b.tpl", "id: b\ncontent: echo b\n")

	p, err := New(context.Background(), dir, WithPatterns("only/*.tpl"))
	require.NoError(t, err)
	all, err := p.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].ID)
}
