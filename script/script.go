//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package script defines managed script templates and the Provider
// capability used to look them up.
package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned by a Provider when no template has the given id.
var ErrNotFound = errors.New("script: template not found")

// Kind selects how a template is interpreted on the execution host.
type Kind string

const (
	// KindShell is a POSIX shell script, optionally with a shebang line.
	KindShell Kind = "shell"
	// KindBatch is a Windows batch file run through cmd.exe.
	KindBatch Kind = "batch"
	// KindPowerShell is a PowerShell script.
	KindPowerShell Kind = "powershell"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindShell, KindBatch, KindPowerShell}

// ParseKind parses a kind name case-insensitively. Empty means KindShell.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindShell):
		return KindShell, nil
	case string(KindBatch):
		return KindBatch, nil
	case string(KindPowerShell):
		return KindPowerShell, nil
	default:
		return "", fmt.Errorf("script: unknown kind %q", s)
	}
}

// Extension returns the file extension used when staging a template of this kind.
func (k Kind) Extension() string {
	switch k {
	case KindBatch:
		return ".bat"
	case KindPowerShell:
		return ".ps1"
	default:
		return ".sh"
	}
}

// Arg is a declared argument placeholder. Only the name is kept; it is
// used for display.
type Arg struct {
	Name string `json:"name" yaml:"name"`
}

// Template is a centrally stored script. Templates are treated as
// immutable once returned by a Provider.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
	Args    []Arg  `json:"args,omitempty"`
}

// New builds a normalized template.
func New(id, name string, kind Kind, content string, argNames ...string) Template {
	t := Template{ID: id, Name: name, Kind: kind, Content: content}
	for _, n := range argNames {
		t.Args = append(t.Args, Arg{Name: n})
	}
	return t.Normalize()
}

// Normalize returns a copy with blank argument names dropped, the
// remaining names trimmed and an empty kind set to KindShell.
func (t Template) Normalize() Template {
	if t.Kind == "" {
		t.Kind = KindShell
	}
	var args []Arg
	for _, a := range t.Args {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			continue
		}
		args = append(args, Arg{Name: name})
	}
	t.Args = args
	return t
}

// ArgNames returns the declared argument names in order.
func (t Template) ArgNames() []string {
	names := make([]string, 0, len(t.Args))
	for _, a := range t.Args {
		names = append(names, a.Name)
	}
	return names
}

// Provider looks up templates. Implementations must be safe for
// concurrent use.
type Provider interface {
	// LookupByID returns the template with the given id or an error
	// wrapping ErrNotFound.
	LookupByID(ctx context.Context, id string) (Template, error)
	// ListAll returns every template the provider knows.
	ListAll(ctx context.Context) ([]Template, error)
}

// SortByName orders templates by name, then by id.
func SortByName(ts []Template) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Name != ts[j].Name {
			return ts[i].Name < ts[j].Name
		}
		return ts[i].ID < ts[j].ID
	})
}

// Messages shown next to the script selector.
const (
	NoScriptSelected    = "please select a script!"
	NoArgumentsRequired = "No arguments required"
	InvalidScript       = "you must select a valid script"
)

// ArgsDescription renders the declared arguments of t for display, e.g.
// "Required arguments: 1. host | 2. port".
func ArgsDescription(t *Template) string {
	if t == nil {
		return NoScriptSelected
	}
	if len(t.Args) == 0 {
		return NoArgumentsRequired
	}
	var b strings.Builder
	b.WriteString("Required arguments: ")
	for i, a := range t.Args {
		if i > 0 {
			b.WriteString(" | ")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, a.Name)
	}
	return b.String()
}
