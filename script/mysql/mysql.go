//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package mysql provides a read-only script template provider over a
// MySQL table.
package mysql

import (
	"context"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-managed-script/log"
	"trpc.group/trpc-go/trpc-managed-script/script"
	"trpc.group/trpc-go/trpc-managed-script/script/internal/sqlstore"
	storage "trpc.group/trpc-go/trpc-managed-script/storage/mysql"
)

var _ script.Provider = (*Provider)(nil)

const defaultDBInitTimeout = 30 * time.Second

const sqlCreateTable = `
CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id VARCHAR(255) NOT NULL,
	name VARCHAR(255) NOT NULL DEFAULT '',
	comment TEXT NULL,
	kind VARCHAR(32) NOT NULL DEFAULT 'shell',
	content MEDIUMTEXT NOT NULL,
	args JSON NULL,
	PRIMARY KEY (id),
	INDEX idx_name (name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`

type options struct {
	dsn          string
	instanceName string
	tableName    string
	skipDBInit   bool
}

// Option configures the provider.
type Option func(*options)

// WithClientDSN sets the MySQL data source name.
func WithClientDSN(dsn string) Option {
	return func(o *options) { o.dsn = dsn }
}

// WithInstanceName uses options registered with storage/mysql.RegisterMySQLInstance.
// A DSN set with WithClientDSN takes priority.
func WithInstanceName(name string) Option {
	return func(o *options) { o.instanceName = name }
}

// WithTableName sets the table holding the templates.
func WithTableName(name string) Option {
	return func(o *options) { o.tableName = name }
}

// WithSkipDBInit skips table creation.
func WithSkipDBInit(skip bool) Option {
	return func(o *options) { o.skipDBInit = skip }
}

// Provider reads templates from MySQL.
type Provider struct {
	*sqlstore.Store
	db storage.Client
}

// New connects to MySQL through the storage client builder.
func New(opts ...Option) (*Provider, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	builderOpts := []storage.ClientBuilderOpt{storage.WithClientBuilderDSN(o.dsn)}
	// Priority: dsn > instanceName.
	if o.dsn == "" && o.instanceName != "" {
		var ok bool
		if builderOpts, ok = storage.GetMySQLInstance(o.instanceName); !ok {
			return nil, fmt.Errorf("mysql instance %s not found", o.instanceName)
		}
	}
	db, err := storage.GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create mysql client failed: %w", err)
	}

	store, err := sqlstore.New(db, o.tableName)
	if err != nil {
		db.Close()
		return nil, err
	}
	if !o.skipDBInit {
		ctx, cancel := context.WithTimeout(context.Background(), defaultDBInitTimeout)
		defer cancel()
		if err := store.CreateTable(ctx, sqlCreateTable); err != nil {
			db.Close()
			return nil, fmt.Errorf("init database failed: %w", err)
		}
		log.Infof("mysql script table ready: %s", store.Table())
	}
	return &Provider{Store: store, db: db}, nil
}

// Close closes the underlying client.
func (p *Provider) Close() error {
	return p.db.Close()
}
