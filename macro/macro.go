//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package macro expands build variable references embedded in strings.
package macro

import (
	"context"
	"fmt"
	"strings"
)

// Variables resolves build variables. Unknown names resolve to "".
type Variables interface {
	Resolve(name string) string
}

// VariableMap is a Variables backed by a map.
type VariableMap map[string]string

// Resolve implements Variables.
func (m VariableMap) Resolve(name string) string { return m[name] }

// Expander rewrites the tokens embedded in raw.
type Expander interface {
	Expand(ctx context.Context, raw string, vars Variables) (string, error)
}

// SyntaxError reports a malformed token.
type SyntaxError struct {
	Input  string
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("macro: %s at offset %d in %q", e.Reason, e.Offset, e.Input)
}

// NewTokenExpander returns the default expander. It understands
//
//	${NAME}  the value of NAME
//	$NAME    the value of NAME, where NAME is the longest name at that point
//	$$       a literal $
//
// A NAME starts with a letter or underscore and continues with letters,
// digits and underscores. Inside braces it may also contain dots, so
// "$VERSION.tar.gz" expands VERSION and keeps the suffix. A $ not followed
// by one of the forms above is kept as is.
func NewTokenExpander() Expander {
	return tokenExpander{}
}

type tokenExpander struct{}

func (tokenExpander) Expand(ctx context.Context, raw string, vars Variables) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !strings.Contains(raw, "$") {
		return raw, nil
	}
	if vars == nil {
		vars = VariableMap(nil)
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); {
		c := raw[i]
		if c != '$' || i+1 == len(raw) {
			b.WriteByte(c)
			i++
			continue
		}
		switch next := raw[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i += 2
		case next == '{':
			end := strings.IndexByte(raw[i+2:], '}')
			if end < 0 {
				return "", &SyntaxError{Input: raw, Offset: i, Reason: "unterminated ${"}
			}
			name := raw[i+2 : i+2+end]
			if !isName(name) {
				return "", &SyntaxError{Input: raw, Offset: i, Reason: fmt.Sprintf("invalid variable name %q", name)}
			}
			b.WriteString(vars.Resolve(name))
			i += 3 + end
		case isNameStart(next):
			j := i + 2
			for j < len(raw) && isNameChar(raw[j]) {
				j++
			}
			b.WriteString(vars.Resolve(raw[i+1 : j]))
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

func isNameStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}

// isName reports whether s is valid between braces.
func isName(s string) bool {
	if s == "" || !isNameStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNameChar(s[i]) && s[i] != '.' {
			return false
		}
	}
	return true
}
