//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package redis builds Redis clients for the template store and keeps a
// registry of named instances.
package redis

import (
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	instancesMu sync.RWMutex
	instances   = make(map[string][]ClientBuilderOpt)
)

// ClientBuilder creates a client from builder options.
type ClientBuilder func(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error)

var globalBuilder ClientBuilder = DefaultClientBuilder

// SetClientBuilder sets the redis client builder.
func SetClientBuilder(builder ClientBuilder) {
	globalBuilder = builder
}

// GetClientBuilder gets the redis client builder.
func GetClientBuilder() ClientBuilder {
	return globalBuilder
}

// DefaultClientBuilder parses a redis:// or rediss:// URL.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}
	if o.URL == "" {
		return nil, errors.New("redis: url is empty")
	}
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{opts.Addr},
		DB:         opts.DB,
		Username:   opts.Username,
		Password:   opts.Password,
		TLSConfig:  opts.TLSConfig,
		ClientName: opts.ClientName,
	}), nil
}

// ClientBuilderOpt is the option for the redis client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// ClientBuilderOpts is the options for the redis client.
type ClientBuilderOpts struct {
	// URL is the redis url, e.g. redis://:password@localhost:6379/0
	URL string
}

// WithClientBuilderURL sets the redis url for clientBuilder.
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.URL = url
	}
}

// RegisterRedisInstance registers options under a name.
func RegisterRedisInstance(name string, opts ...ClientBuilderOpt) {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	instances[name] = append(instances[name], opts...)
}

// GetRedisInstance returns the options registered under name.
func GetRedisInstance(name string) ([]ClientBuilderOpt, bool) {
	instancesMu.RLock()
	defer instancesMu.RUnlock()
	opts, ok := instances[name]
	return opts, ok
}
