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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-managed-script/macro"
)

func TestParseArgumentMode(t *testing.T) {
	for in, want := range map[string]ArgumentResolutionMode{
		"":        ModeMacroExpansion,
		"macro":   ModeMacroExpansion,
		" Macro ": ModeMacroExpansion,
		"legacy":  ModeLegacyWholeStringVariable,
	} {
		got, err := ParseArgumentMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseArgumentMode("token")
	require.Error(t, err)

	assert.Equal(t, "macro", ModeMacroExpansion.String())
	assert.Equal(t, "legacy", ModeLegacyWholeStringVariable.String())
	assert.Equal(t, "ArgumentResolutionMode(7)", ArgumentResolutionMode(7).String())
}

func TestResolveArguments(t *testing.T) {
	vars := macro.VariableMap{"NODE": "n1", "WS": "/w s"}
	tests := []struct {
		name string
		mode ArgumentResolutionMode
		raw  []string
		want []string
	}{
		{"macro whole", ModeMacroExpansion, []string{"${NODE}"}, []string{"n1"}},
		{"macro embedded", ModeMacroExpansion, []string{"--node=$NODE", "${WS}/out"}, []string{"--node=n1", "/w s/out"}},
		{"macro unknown", ModeMacroExpansion, []string{"x${MISSING}y"}, []string{"xy"}},
		{"macro escape", ModeMacroExpansion, []string{"$$NODE"}, []string{"$NODE"}},
		{"macro spaces kept", ModeMacroExpansion, []string{"a b", ""}, []string{"a b", ""}},
		{"legacy whole", ModeLegacyWholeStringVariable, []string{"${NODE}"}, []string{"n1"}},
		{"legacy embedded", ModeLegacyWholeStringVariable, []string{"--node=${NODE}"}, []string{"--node=${NODE}"}},
		{"legacy bare", ModeLegacyWholeStringVariable, []string{"$NODE"}, []string{"$NODE"}},
		{"legacy unknown", ModeLegacyWholeStringVariable, []string{"${MISSING}"}, []string{""}},
		{"legacy too short", ModeLegacyWholeStringVariable, []string{"${}"}, []string{""}},
		{"empty", ModeMacroExpansion, nil, []string{}},
	}
	exp := macro.NewTokenExpander()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveArguments(context.Background(), tt.mode, exp, vars, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveArguments_NilVariables(t *testing.T) {
	got, err := resolveArguments(context.Background(), ModeMacroExpansion, macro.NewTokenExpander(), nil, []string{"${A}b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
}

func TestResolveArguments_ExpansionError(t *testing.T) {
	_, err := resolveArguments(context.Background(), ModeMacroExpansion, macro.NewTokenExpander(), nil,
		[]string{"ok", "${BROKEN"})
	require.ErrorIs(t, err, ErrArgumentExpansion)
	assert.Contains(t, err.Error(), "argument 2")

	var syn *macro.SyntaxError
	assert.ErrorAs(t, err, &syn)
}
