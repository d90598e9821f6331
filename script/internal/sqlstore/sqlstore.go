//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package sqlstore holds the read path shared by the SQL template providers.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"trpc.group/trpc-go/trpc-managed-script/script"
)

// DefaultTableName is the table used when none is configured.
const DefaultTableName = "managed_scripts"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Querier is satisfied by *sql.DB and the mysql storage client.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store reads templates from one table.
type Store struct {
	db    Querier
	table string
}

// New validates table and returns a store over db.
func New(db Querier, table string) (*Store, error) {
	if table == "" {
		table = DefaultTableName
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{db: db, table: table}, nil
}

// Table returns the table name.
func (s *Store) Table() string { return s.table }

// CreateTable runs ddl with {{TABLE_NAME}} replaced.
func (s *Store) CreateTable(ctx context.Context, ddl string) error {
	stmt := strings.ReplaceAll(ddl, "{{TABLE_NAME}}", s.table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s failed: %w", s.table, err)
	}
	return nil
}

// LookupByID implements script.Provider.
func (s *Store) LookupByID(ctx context.Context, id string) (script.Template, error) {
	q := fmt.Sprintf("SELECT id, name, comment, kind, content, args FROM %s WHERE id = ?", s.table)
	row := s.db.QueryRowContext(ctx, q, id)
	t, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return script.Template{}, fmt.Errorf("%w: %s", script.ErrNotFound, id)
	}
	if err != nil {
		return script.Template{}, fmt.Errorf("lookup script %s: %w", id, err)
	}
	return t, nil
}

// ListAll implements script.Provider. The result is sorted by name.
func (s *Store) ListAll(ctx context.Context) ([]script.Template, error) {
	q := fmt.Sprintf("SELECT id, name, comment, kind, content, args FROM %s ORDER BY name, id", s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var out []script.Template
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("list scripts: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	script.SortByName(out)
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (script.Template, error) {
	var (
		t                   script.Template
		name, comment, kind sql.NullString
		args                sql.NullString
	)
	if err := r.Scan(&t.ID, &name, &comment, &kind, &t.Content, &args); err != nil {
		return script.Template{}, err
	}
	k, err := script.ParseKind(kind.String)
	if err != nil {
		return script.Template{}, fmt.Errorf("script %s: %w", t.ID, err)
	}
	t.Name, t.Comment, t.Kind = name.String, comment.String, k
	if t.Name == "" {
		t.Name = t.ID
	}
	names, err := DecodeArgs(args.String)
	if err != nil {
		return script.Template{}, fmt.Errorf("script %s: %w", t.ID, err)
	}
	for _, n := range names {
		t.Args = append(t.Args, script.Arg{Name: n})
	}
	return t.Normalize(), nil
}

// DecodeArgs parses the JSON array of argument names stored with a
// template. An empty column means no arguments.
func DecodeArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return names, nil
}

// EncodeArgs is the inverse of DecodeArgs.
func EncodeArgs(t script.Template) string {
	b, _ := json.Marshal(t.ArgNames())
	return string(b)
}
