//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package script

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps a template kind to the Provider serving it. It is
// built once at startup and handed to the step explicitly.
type Registry struct {
	mu        sync.RWMutex
	providers map[Kind]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Kind]Provider)}
}

// Register binds p to kind, replacing any earlier binding.
func (r *Registry) Register(kind Kind, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
}

// Provider returns the provider bound to kind.
func (r *Registry) Provider(kind Kind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("script: no provider registered for kind %q", kind)
	}
	return p, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// OfKind narrows a provider that stores several kinds to a single one.
func OfKind(p Provider, kind Kind) Provider {
	return &kindView{base: p, kind: kind}
}

type kindView struct {
	base Provider
	kind Kind
}

func (v *kindView) LookupByID(ctx context.Context, id string) (Template, error) {
	t, err := v.base.LookupByID(ctx, id)
	if err != nil {
		return Template{}, err
	}
	if t.Kind != v.kind {
		return Template{}, fmt.Errorf("%w: %s is a %s script", ErrNotFound, id, t.Kind)
	}
	return t, nil
}

func (v *kindView) ListAll(ctx context.Context) ([]Template, error) {
	all, err := v.base.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(all))
	for _, t := range all {
		if t.Kind == v.kind {
			out = append(out, t)
		}
	}
	return out, nil
}
