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
	"errors"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-managed-script/script"
)

const shebang = "#!"

// ShellResolver supplies the default shell of an execution host.
// host.Host satisfies it.
type ShellResolver interface {
	DefaultShell(ctx context.Context) (string, error)
}

var (
	batchInterpreter      = []string{"cmd", "/c", "call"}
	powerShellInterpreter = []string{
		"powershell", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File",
	}
)

// ResolveInterpreter returns the command that precedes the staged script
// path on the command line.
//
// Shell scripts starting with "#!" use the rest of their first line, split
// on runs of whitespace: the interpreter followed by its fixed flags. Other
// shell scripts run with the host's default shell and no flags.
func ResolveInterpreter(ctx context.Context, kind script.Kind, content string, shell ShellResolver) ([]string, error) {
	switch kind {
	case script.KindBatch:
		return append([]string(nil), batchInterpreter...), nil
	case script.KindPowerShell:
		return append([]string(nil), powerShellInterpreter...), nil
	}

	if strings.HasPrefix(content, shebang) {
		nl := strings.IndexByte(content, '\n')
		if nl < 0 {
			return nil, fmt.Errorf("%w: shebang line is not terminated by a newline", ErrMalformedTemplate)
		}
		line := strings.TrimSuffix(content[len(shebang):nl], "\r")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: empty shebang line", ErrMalformedTemplate)
		}
		return fields, nil
	}

	if shell == nil {
		return nil, fmt.Errorf("%w: no default shell resolver", ErrLaunch)
	}
	sh, err := shell.DefaultShell(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: default shell: %w", ErrLaunch, err)
	}
	if sh == "" {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, errors.New("host reported an empty default shell"))
	}
	return []string{sh}, nil
}
