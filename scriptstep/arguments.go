//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package scriptstep

import (
	"context"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-managed-script/macro"
)

// ArgumentResolutionMode selects how runtime arguments are resolved.
type ArgumentResolutionMode int

const (
	// ModeMacroExpansion rewrites variable tokens anywhere in each argument.
	ModeMacroExpansion ArgumentResolutionMode = iota
	// ModeLegacyWholeStringVariable replaces an argument that is exactly
	// ${NAME} with the value of NAME and passes everything else through.
	ModeLegacyWholeStringVariable
)

// String returns the configuration name of the mode.
func (m ArgumentResolutionMode) String() string {
	switch m {
	case ModeMacroExpansion:
		return "macro"
	case ModeLegacyWholeStringVariable:
		return "legacy"
	default:
		return fmt.Sprintf("ArgumentResolutionMode(%d)", int(m))
	}
}

// ParseArgumentMode parses "macro" or "legacy". Empty means macro.
func ParseArgumentMode(s string) (ArgumentResolutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "macro":
		return ModeMacroExpansion, nil
	case "legacy":
		return ModeLegacyWholeStringVariable, nil
	default:
		return 0, fmt.Errorf("unknown argument mode %q", s)
	}
}

// resolveArguments yields exactly one string per raw argument, in order.
func resolveArguments(
	ctx context.Context,
	mode ArgumentResolutionMode,
	exp macro.Expander,
	vars macro.Variables,
	raw []string,
) ([]string, error) {
	if vars == nil {
		vars = macro.VariableMap(nil)
	}
	out := make([]string, len(raw))
	for i, a := range raw {
		switch mode {
		case ModeLegacyWholeStringVariable:
			if name, ok := wholeStringReference(a); ok {
				out[i] = vars.Resolve(name)
			} else {
				out[i] = a
			}
		default:
			v, err := exp.Expand(ctx, a, vars)
			if err != nil {
				return nil, fmt.Errorf("%w: argument %d %q: %w", ErrArgumentExpansion, i+1, a, err)
			}
			out[i] = v
		}
	}
	return out, nil
}

func wholeStringReference(s string) (string, bool) {
	if len(s) < 3 || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	return s[2 : len(s)-1], true
}
