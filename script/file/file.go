//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package file provides a script template provider backed by a directory
// of YAML documents.
package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-managed-script/script"
)

var _ script.Provider = (*Provider)(nil)

var defaultPatterns = []string{"**/*.yaml", "**/*.yml"}

// document is the on-disk form of a template.
//
//	id: deploy
//	name: Deploy service
//	kind: shell
//	args: [host, port]
//	content: |
//	  #!/bin/bash -e
//	  ./deploy.sh "$1" "$2"
type document struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Comment string   `yaml:"comment"`
	Kind    string   `yaml:"kind"`
	Args    []string `yaml:"args"`
	Content string   `yaml:"content"`
}

// Option configures the provider.
type Option func(*Provider)

// WithPatterns replaces the glob patterns used to discover template files.
// Patterns are matched relative to the provider directory.
func WithPatterns(patterns ...string) Option {
	return func(p *Provider) {
		p.patterns = patterns
	}
}

// Provider serves templates read from YAML files.
type Provider struct {
	dir      string
	patterns []string

	mu        sync.RWMutex
	templates map[string]script.Template
}

// New loads every template file below dir.
func New(ctx context.Context, dir string, opts ...Option) (*Provider, error) {
	p := &Provider{dir: dir, patterns: defaultPatterns}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the directory. On error the previous templates are kept.
func (p *Provider) Reload(ctx context.Context) error {
	fi, err := os.Stat(p.dir)
	if err != nil {
		return fmt.Errorf("script dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("script dir %s is not a directory", p.dir)
	}
	fsys := os.DirFS(p.dir)
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range p.patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return fmt.Errorf("glob %q in %s: %w", pattern, p.dir, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}

	templates := make(map[string]script.Template, len(files))
	origin := make(map[string]string, len(files))
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := readTemplate(fsys, name)
		if err != nil {
			return err
		}
		if prev, ok := origin[t.ID]; ok {
			return fmt.Errorf("duplicate script id %q in %s and %s", t.ID, prev, name)
		}
		origin[t.ID] = name
		templates[t.ID] = t
	}

	p.mu.Lock()
	p.templates = templates
	p.mu.Unlock()
	return nil
}

func readTemplate(fsys fs.FS, name string) (script.Template, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return script.Template{}, fmt.Errorf("read %s: %w", name, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return script.Template{}, fmt.Errorf("parse %s: %w", name, err)
	}
	kind, err := script.ParseKind(doc.Kind)
	if err != nil {
		return script.Template{}, fmt.Errorf("parse %s: %w", name, err)
	}
	id := strings.TrimSpace(doc.ID)
	if id == "" {
		id = strings.TrimSuffix(name, path.Ext(name))
	}
	t := script.Template{
		ID:      id,
		Name:    doc.Name,
		Comment: doc.Comment,
		Kind:    kind,
		Content: doc.Content,
	}
	if t.Name == "" {
		t.Name = id
	}
	for _, a := range doc.Args {
		t.Args = append(t.Args, script.Arg{Name: a})
	}
	return t.Normalize(), nil
}

// LookupByID implements script.Provider.
func (p *Provider) LookupByID(ctx context.Context, id string) (script.Template, error) {
	if err := ctx.Err(); err != nil {
		return script.Template{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.templates[id]
	if !ok {
		return script.Template{}, fmt.Errorf("%w: %s", script.ErrNotFound, id)
	}
	return t, nil
}

// ListAll implements script.Provider. The result is sorted by name.
func (p *Provider) ListAll(ctx context.Context) ([]script.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	out := make([]script.Template, 0, len(p.templates))
	for _, t := range p.templates {
		out = append(out, t)
	}
	p.mu.RUnlock()
	script.SortByName(out)
	return out, nil
}
