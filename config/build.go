//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"trpc.group/trpc-go/trpc-managed-script/host"
	"trpc.group/trpc-go/trpc-managed-script/host/container"
	"trpc.group/trpc-go/trpc-managed-script/host/local"
	"trpc.group/trpc-go/trpc-managed-script/host/ssh"
	"trpc.group/trpc-go/trpc-managed-script/log"
	"trpc.group/trpc-go/trpc-managed-script/script"
	"trpc.group/trpc-go/trpc-managed-script/script/file"
	"trpc.group/trpc-go/trpc-managed-script/script/inmemory"
	"trpc.group/trpc-go/trpc-managed-script/script/mysql"
	"trpc.group/trpc-go/trpc-managed-script/script/redis"
	"trpc.group/trpc-go/trpc-managed-script/script/sqlite"
	"trpc.group/trpc-go/trpc-managed-script/scriptstep"
	"trpc.group/trpc-go/trpc-managed-script/telemetry/metric"
	"trpc.group/trpc-go/trpc-managed-script/telemetry/trace"
)

type closer interface {
	Close() error
}

func noopClose() error { return nil }

func closeFunc(v any) func() error {
	if c, ok := v.(closer); ok {
		return c.Close
	}
	return noopClose
}

// BuildProvider opens the configured template store. The returned function
// releases it.
func (c *Config) BuildProvider(ctx context.Context) (script.Provider, func() error, error) {
	p := c.Provider
	switch p.Kind {
	case ProviderInMemory:
		templates := make([]script.Template, 0, len(p.Templates))
		for _, t := range p.Templates {
			kind, err := script.ParseKind(t.Kind)
			if err != nil {
				return nil, nil, err
			}
			tpl := script.New(t.ID, t.Name, kind, t.Content, t.Args...)
			if tpl.Name == "" {
				tpl.Name = tpl.ID
			}
			tpl.Comment = t.Comment
			templates = append(templates, tpl)
		}
		return inmemory.New(templates...), noopClose, nil
	case ProviderFile:
		fp, err := file.New(ctx, p.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fp, noopClose, nil
	case ProviderSQLite:
		sp, err := sqlite.New(ctx, p.DSN,
			sqlite.WithTableName(p.Table),
			sqlite.WithCreateTable(!p.SkipDBInit),
		)
		if err != nil {
			return nil, nil, err
		}
		return sp, closeFunc(sp), nil
	case ProviderMySQL:
		mp, err := mysql.New(
			mysql.WithClientDSN(p.DSN),
			mysql.WithTableName(p.Table),
			mysql.WithSkipDBInit(p.SkipDBInit),
		)
		if err != nil {
			return nil, nil, err
		}
		return mp, closeFunc(mp), nil
	case ProviderRedis:
		opts := []redis.Option{redis.WithURL(p.URL)}
		if p.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(p.KeyPrefix))
		}
		rp, err := redis.New(opts...)
		if err != nil {
			return nil, nil, err
		}
		return rp, closeFunc(rp), nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q", p.Kind)
	}
}

// BuildRegistry opens the configured store and registers a view of it for
// every template kind.
func (c *Config) BuildRegistry(ctx context.Context) (*script.Registry, func() error, error) {
	p, closeFn, err := c.BuildProvider(ctx)
	if err != nil {
		return nil, nil, err
	}
	reg := script.NewRegistry()
	for _, k := range script.Kinds {
		reg.Register(k, script.OfKind(p, k))
	}
	log.Debugf("config: %s provider registered for %v", c.Provider.Kind, reg.Kinds())
	return reg, closeFn, nil
}

// BuildHost connects to the configured execution host. The returned
// function releases it.
func (c *Config) BuildHost(ctx context.Context) (host.Host, func() error, error) {
	h := c.Host
	switch h.Kind {
	case HostLocal:
		var opts []local.Option
		if h.Shell != "" {
			opts = append(opts, local.WithShell(h.Shell))
		}
		return local.New(opts...), noopClose, nil
	case HostContainer:
		var opts []container.Option
		if h.Shell != "" {
			opts = append(opts, container.WithShell(h.Shell))
		}
		if h.User != "" {
			opts = append(opts, container.WithUser(h.User))
		}
		ch, err := container.NewFromEnv(ctx, h.ContainerID, opts...)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Close, nil
	case HostSSH:
		opts := c.sshOptions()
		sh, err := ssh.Dial(ctx, h.SSH.Addr, opts...)
		if err != nil {
			return nil, nil, err
		}
		return sh, sh.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown host %q", h.Kind)
	}
}

func (c *Config) sshOptions() []ssh.Option {
	s := c.Host.SSH
	opts := []ssh.Option{ssh.WithUser(s.User)}
	if s.Password != "" {
		opts = append(opts, ssh.WithPassword(s.Password))
	}
	if s.PrivateKeyFile != "" {
		opts = append(opts, ssh.WithPrivateKeyFile(s.PrivateKeyFile))
	}
	if s.KnownHostsFile != "" {
		opts = append(opts, ssh.WithKnownHostsFile(s.KnownHostsFile))
	}
	if s.InsecureIgnoreHostKey {
		opts = append(opts, ssh.WithInsecureIgnoreHostKey())
	}
	if c.Host.Shell != "" {
		opts = append(opts, ssh.WithShell(c.Host.Shell))
	}
	if s.DialTimeout > 0 {
		opts = append(opts, ssh.WithDialTimeout(s.DialTimeout))
	}
	return opts
}

// BuildStep creates a step over the registry entry for the configured kind.
func (c *Config) BuildStep(reg *script.Registry) (*scriptstep.Step, error) {
	kind, err := script.ParseKind(c.Step.Kind)
	if err != nil {
		return nil, err
	}
	mode, err := scriptstep.ParseArgumentMode(c.Step.ArgumentMode)
	if err != nil {
		return nil, err
	}
	p, err := reg.Provider(kind)
	if err != nil {
		return nil, err
	}
	return scriptstep.New(p,
		scriptstep.WithKind(kind),
		scriptstep.WithArgumentMode(mode),
		scriptstep.WithTempDir(c.Step.TempDir),
		scriptstep.WithCleanupTimeout(c.Step.CleanupTimeout),
		scriptstep.WithLogger(log.Default),
	), nil
}

// StartTelemetry starts the OTLP pipelines that have an endpoint and
// returns a function that shuts them down.
func (c *Config) StartTelemetry(ctx context.Context) (func() error, error) {
	var cleanups []func() error
	shutdown := func() error {
		var merr *multierror.Error
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		return merr.ErrorOrNil()
	}

	t := c.Telemetry
	if t.TracesEndpoint != "" {
		clean, err := trace.Start(ctx, trace.WithEndpoint(t.TracesEndpoint), trace.WithProtocol(t.Protocol))
		if err != nil {
			return nil, fmt.Errorf("start tracing: %w", err)
		}
		cleanups = append(cleanups, clean)
	}
	if t.MetricsEndpoint != "" {
		clean, err := metric.Start(ctx, metric.WithEndpoint(t.MetricsEndpoint), metric.WithProtocol(t.Protocol))
		if err != nil {
			_ = shutdown()
			return nil, fmt.Errorf("start metrics: %w", err)
		}
		cleanups = append(cleanups, clean)
	}
	return shutdown, nil
}
