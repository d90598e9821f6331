//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a map-backed script template provider.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-managed-script/script"
)

var _ script.Provider = (*Provider)(nil)

// Provider keeps templates in memory. It is safe for concurrent use.
type Provider struct {
	mu        sync.RWMutex
	templates map[string]script.Template
}

// New creates a provider seeded with templates.
func New(templates ...script.Template) *Provider {
	p := &Provider{templates: make(map[string]script.Template, len(templates))}
	for _, t := range templates {
		p.templates[t.ID] = t.Normalize()
	}
	return p
}

// Put adds or replaces a template.
func (p *Provider) Put(t script.Template) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.templates[t.ID] = t.Normalize()
}

// Delete removes the template with the given id, if any.
func (p *Provider) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.templates, id)
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
