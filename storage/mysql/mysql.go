//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package mysql builds MySQL clients for the template store and keeps a
// registry of named instances.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var (
	instancesMu sync.RWMutex
	instances   = make(map[string][]ClientBuilderOpt)
)

// Client is the subset of *sql.DB used by the template store, so tests can
// hand in a sqlmock connection.
type Client interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}

// ClientBuilder creates a Client from builder options.
type ClientBuilder func(builderOpts ...ClientBuilderOpt) (Client, error)

var globalBuilder ClientBuilder = DefaultClientBuilder

// SetClientBuilder sets the mysql client builder.
func SetClientBuilder(builder ClientBuilder) {
	globalBuilder = builder
}

// GetClientBuilder gets the mysql client builder.
func GetClientBuilder() ClientBuilder {
	return globalBuilder
}

// DefaultClientBuilder opens a *sql.DB with the mysql driver and pings it.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (Client, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}
	if o.DSN == "" {
		return nil, errors.New("mysql: dsn is empty")
	}

	db, err := sql.Open("mysql", o.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open connection: %w", err)
	}
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.pingTimeout())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping failed: %w", err)
	}
	return db, nil
}

// ClientBuilderOpt is the option for the mysql client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// ClientBuilderOpts is the options for the mysql client.
type ClientBuilderOpts struct {
	// DSN is the mysql data source name, e.g.
	// user:password@tcp(localhost:3306)/scripts?parseTime=true
	DSN string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (o *ClientBuilderOpts) pingTimeout() time.Duration {
	if o.PingTimeout > 0 {
		return o.PingTimeout
	}
	return 5 * time.Second
}

// WithClientBuilderDSN sets the mysql client DSN for clientBuilder.
func WithClientBuilderDSN(dsn string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.DSN = dsn
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.MaxOpenConns = n
	}
}

// WithConnMaxLifetime sets the maximum amount of time a connection may be reused.
func WithConnMaxLifetime(d time.Duration) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ConnMaxLifetime = d
	}
}

// WithPingTimeout bounds the connectivity check done by DefaultClientBuilder.
func WithPingTimeout(d time.Duration) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.PingTimeout = d
	}
}

// RegisterMySQLInstance registers options under a name. Registering the
// same name again appends.
func RegisterMySQLInstance(name string, opts ...ClientBuilderOpt) {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	instances[name] = append(instances[name], opts...)
}

// GetMySQLInstance returns the options registered under name.
func GetMySQLInstance(name string) ([]ClientBuilderOpt, bool) {
	instancesMu.RLock()
	defer instancesMu.RUnlock()
	opts, ok := instances[name]
	return opts, ok
}
