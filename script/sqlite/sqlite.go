//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a read-only script template provider over a
// SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"trpc.group/trpc-go/trpc-managed-script/script"
	"trpc.group/trpc-go/trpc-managed-script/script/internal/sqlstore"
	storage "trpc.group/trpc-go/trpc-managed-script/storage/sqlite"
)

var _ script.Provider = (*Provider)(nil)

const sqlCreateTable = `
CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL DEFAULT '',
	comment TEXT NOT NULL DEFAULT '',
	kind    TEXT NOT NULL DEFAULT 'shell',
	content TEXT NOT NULL,
	args    TEXT NOT NULL DEFAULT '[]'
)`

type options struct {
	tableName   string
	createTable bool
	readOnly    bool
}

// Option configures the provider.
type Option func(*options)

// WithTableName sets the table holding the templates.
func WithTableName(name string) Option {
	return func(o *options) { o.tableName = name }
}

// WithCreateTable creates the table when it does not exist.
func WithCreateTable(create bool) Option {
	return func(o *options) { o.createTable = create }
}

// WithReadOnly opens the database file read-only.
func WithReadOnly(readOnly bool) Option {
	return func(o *options) { o.readOnly = readOnly }
}

// Provider reads templates from SQLite.
type Provider struct {
	*sqlstore.Store
	db *sql.DB
}

// New opens the database at dsn.
func New(ctx context.Context, dsn string, opts ...Option) (*Provider, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	db, err := storage.GetClientBuilder()(
		storage.WithClientBuilderDSN(dsn),
		storage.WithReadOnly(o.readOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("create sqlite client failed: %w", err)
	}
	store, err := sqlstore.New(db, o.tableName)
	if err != nil {
		db.Close()
		return nil, err
	}
	if o.createTable {
		if err := store.CreateTable(ctx, sqlCreateTable); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Provider{Store: store, db: db}, nil
}

// Close closes the database.
func (p *Provider) Close() error {
	return p.db.Close()
}
