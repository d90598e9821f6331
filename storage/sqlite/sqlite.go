//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package sqlite opens SQLite databases for the template store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ClientBuilderOpt is the option for the sqlite client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// ClientBuilderOpts is the options for the sqlite client.
type ClientBuilderOpts struct {
	// DSN is a file path or a file: URI understood by go-sqlite3.
	DSN string
	// ReadOnly opens the database with mode=ro.
	ReadOnly bool
}

// WithClientBuilderDSN sets the database file or URI.
func WithClientBuilderDSN(dsn string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.DSN = dsn
	}
}

// WithReadOnly opens the database read-only.
func WithReadOnly(readOnly bool) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ReadOnly = readOnly
	}
}

// ClientBuilder creates a *sql.DB from builder options.
type ClientBuilder func(builderOpts ...ClientBuilderOpt) (*sql.DB, error)

var globalBuilder ClientBuilder = DefaultClientBuilder

// SetClientBuilder sets the sqlite client builder.
func SetClientBuilder(builder ClientBuilder) {
	globalBuilder = builder
}

// GetClientBuilder gets the sqlite client builder.
func GetClientBuilder() ClientBuilder {
	return globalBuilder
}

// DefaultClientBuilder opens dsn with the sqlite3 driver. SQLite serialises
// writers, so the pool is limited to one connection.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (*sql.DB, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}
	if o.DSN == "" {
		return nil, errors.New("sqlite: dsn is empty")
	}
	dsn := o.DSN
	if o.ReadOnly {
		dsn = "file:" + dsn + "?mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", o.DSN, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", o.DSN, err)
	}
	return db, nil
}
