//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a read-only script template provider over Redis.
//
// Layout, with the default prefix "scriptstep:":
//
//	scriptstep:scripts          set of template ids
//	scriptstep:script:<id>      hash with fields name, comment, kind, content, args
//
// args holds a JSON array of argument names.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-managed-script/script"
	"trpc.group/trpc-go/trpc-managed-script/script/internal/sqlstore"
	storage "trpc.group/trpc-go/trpc-managed-script/storage/redis"
)

var _ script.Provider = (*Provider)(nil)

// DefaultKeyPrefix is prepended to every key.
const DefaultKeyPrefix = "scriptstep:"

type options struct {
	url          string
	instanceName string
	client       redis.UniversalClient
	keyPrefix    string
}

// Option configures the provider.
type Option func(*options)

// WithURL sets the redis url.
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithInstanceName uses options registered with storage/redis.RegisterRedisInstance.
func WithInstanceName(name string) Option {
	return func(o *options) { o.instanceName = name }
}

// WithClient uses an existing client. The provider does not close it.
func WithClient(c redis.UniversalClient) Option {
	return func(o *options) { o.client = c }
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// Provider reads templates from Redis.
type Provider struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

// New creates the provider.
func New(opts ...Option) (*Provider, error) {
	o := &options{keyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(o)
	}
	if o.client != nil {
		return &Provider{client: o.client, keyPrefix: o.keyPrefix}, nil
	}

	builderOpts := []storage.ClientBuilderOpt{storage.WithClientBuilderURL(o.url)}
	if o.url == "" && o.instanceName != "" {
		var ok bool
		if builderOpts, ok = storage.GetRedisInstance(o.instanceName); !ok {
			return nil, fmt.Errorf("redis instance %s not found", o.instanceName)
		}
	}
	client, err := storage.GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create redis client from url failed: %w", err)
	}
	return &Provider{client: client, keyPrefix: o.keyPrefix, owned: true}, nil
}

func (p *Provider) idsKey() string { return p.keyPrefix + "scripts" }

func (p *Provider) scriptKey(id string) string { return p.keyPrefix + "script:" + id }

// LookupByID implements script.Provider.
func (p *Provider) LookupByID(ctx context.Context, id string) (script.Template, error) {
	fields, err := p.client.HGetAll(ctx, p.scriptKey(id)).Result()
	if err != nil {
		return script.Template{}, fmt.Errorf("lookup script %s: %w", id, err)
	}
	if len(fields) == 0 {
		return script.Template{}, fmt.Errorf("%w: %s", script.ErrNotFound, id)
	}
	return decode(id, fields)
}

// ListAll implements script.Provider. Ids listed in the set without a
// hash are skipped. The result is sorted by name.
func (p *Provider) ListAll(ctx context.Context) ([]script.Template, error) {
	ids, err := p.client.SMembers(ctx, p.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	pipe := p.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, p.scriptKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list scripts: %w", err)
	}

	out := make([]script.Template, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		t, err := decode(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	script.SortByName(out)
	return out, nil
}

// Close closes the client if the provider created it.
func (p *Provider) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}

func decode(id string, fields map[string]string) (script.Template, error) {
	kind, err := script.ParseKind(fields["kind"])
	if err != nil {
		return script.Template{}, fmt.Errorf("script %s: %w", id, err)
	}
	names, err := sqlstore.DecodeArgs(fields["args"])
	if err != nil {
		return script.Template{}, fmt.Errorf("script %s: %w", id, err)
	}
	t := script.Template{
		ID:      id,
		Name:    fields["name"],
		Comment: fields["comment"],
		Kind:    kind,
		Content: fields["content"],
	}
	if t.Name == "" {
		t.Name = id
	}
	for _, n := range names {
		t.Args = append(t.Args, script.Arg{Name: n})
	}
	return t.Normalize(), nil
}
