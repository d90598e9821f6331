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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	itelemetry "trpc.group/trpc-go/trpc-managed-script/internal/telemetry"
	"trpc.group/trpc-go/trpc-managed-script/host"
	"trpc.group/trpc-go/trpc-managed-script/host/local"
	"trpc.group/trpc-go/trpc-managed-script/log"
	"trpc.group/trpc-go/trpc-managed-script/macro"
	"trpc.group/trpc-go/trpc-managed-script/script"
	"trpc.group/trpc-go/trpc-managed-script/script/inmemory"
	tmetric "trpc.group/trpc-go/trpc-managed-script/telemetry/metric"
)

func newTestStep(t *testing.T, opts []Option, templates ...script.Template) *Step {
	t.Helper()
	opts = append([]Option{WithTempDir(t.TempDir()), WithLogger(log.Nop())}, opts...)
	return New(inmemory.New(templates...), opts...)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_LocalHost(t *testing.T) {
	tmp := t.TempDir()
	work := t.TempDir()
	step := New(inmemory.New(
		script.New("hello", "hello", script.KindShell, "#!/bin/sh\necho hi $1\n", "who"),
	), WithTempDir(tmp), WithLogger(log.Nop()))

	var out bytes.Buffer
	res, err := step.Run(context.Background(), Build{
		Host:    local.New(),
		WorkDir: work,
		Vars:    macro.VariableMap{"WHO": "world"},
		Log:     &out,
	}, "hello", []string{"${WHO}"})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, 0, res.ExitCode)
	assert.Positive(t, res.Duration)

	got := out.String()
	assert.Contains(t, got, "executing script 'hello'\n")
	assert.Contains(t, got, "Using custom interpreter: /bin/sh\n")
	assert.Contains(t, got, "Executing temp file '"+work+"/build_step_template_hello_")
	assert.Contains(t, got, "hi world\n")
	assert.NotContains(t, got, "ERROR")

	assertEmptyDir(t, work)
	assertEmptyDir(t, tmp)
}

func TestRun_LocalHost_DefaultShell(t *testing.T) {
	work := t.TempDir()
	content := "echo \"$#:$1:$2\"\necho \"$GREETING\"\npwd -P\n"
	step := newTestStep(t, nil, script.New("plain", "plain", script.KindShell, content))

	var out bytes.Buffer
	res, err := step.Run(context.Background(), Build{
		Host:    local.New(),
		WorkDir: work,
		Env:     map[string]string{"GREETING": "hey"},
		Log:     &out,
	}, "plain", []string{"a b", ""})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)

	resolved, err := filepath.EvalSymlinks(work)
	require.NoError(t, err)
	got := out.String()
	assert.NotContains(t, got, "Using custom interpreter")
	assert.Contains(t, got, "2:a b:\n")
	assert.Contains(t, got, "hey\n")
	assert.Contains(t, got, resolved+"\n")
	assertEmptyDir(t, work)
}

func TestRun_NonZeroExit(t *testing.T) {
	work := t.TempDir()
	step := newTestStep(t, nil, script.New("fail", "fail", script.KindShell, "echo bad >&2\nexit 3\n"))

	var out bytes.Buffer
	res, err := step.Run(context.Background(), Build{Host: local.New(), WorkDir: work, Log: &out}, "fail", nil)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, out.String(), "bad\n")
	assertEmptyDir(t, work)
}

func TestRun_CancelledStillCleansUp(t *testing.T) {
	work := t.TempDir()
	step := newTestStep(t, nil, script.New("slow", "slow", script.KindShell, "#!/bin/sh\nsleep 10\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := step.Run(ctx, Build{Host: local.New(), WorkDir: work}, "slow", nil)
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.Succeeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assertEmptyDir(t, work)
}

func TestRun_LaunchSpec(t *testing.T) {
	h := newFakeHost("/w")
	h.launch = func(context.Context, host.LaunchSpec) (int, error) { return 0, nil }
	tpl := script.New("p", "p", script.KindPowerShell, "Write-Host $args")
	step := newTestStep(t, []Option{WithArgumentMode(ModeLegacyWholeStringVariable)}, tpl)

	var out bytes.Buffer
	b := Build{
		Host:    h,
		WorkDir: "/w",
		Env:     map[string]string{"A": "1"},
		Vars:    macro.VariableMap{"NODE": "n1"},
		Log:     &out,
	}
	res, err := step.Run(context.Background(), b, "p", []string{"${NODE}", "x-${NODE}"})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)

	rec := h.lastLaunch()
	argv := rec.spec.Argv
	require.Len(t, argv, 9)
	assert.Equal(t, powerShellInterpreter, argv[:6])
	assert.True(t, strings.HasPrefix(argv[6], "/w/build_step_template_p_"))
	assert.True(t, strings.HasSuffix(argv[6], ".ps1"))
	assert.Equal(t, []string{"n1", "x-${NODE}"}, argv[7:])
	assert.Equal(t, tpl.Content, rec.content)
	assert.Equal(t, "/w", rec.spec.Dir)
	assert.Equal(t, map[string]string{"A": "1"}, rec.spec.Env)
	assert.Same(t, &out, rec.spec.Stdout)
	assert.Same(t, &out, rec.spec.Stderr)

	assert.Equal(t, []string{argv[6]}, h.removed)
	assert.Zero(t, h.fileCount())
}

func TestRun_NotFoundStagesNothing(t *testing.T) {
	h := newFakeHost("/w")
	step := newTestStep(t, nil)

	var out bytes.Buffer
	res, err := step.Run(context.Background(), Build{Host: h, WorkDir: "/w", Log: &out}, "nope", nil)
	require.ErrorIs(t, err, ErrTemplateNotFound)
	require.ErrorIs(t, err, script.ErrNotFound)
	assert.False(t, res.Succeeded)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "Cannot find script with Id 'nope'\n", out.String())
	assert.Zero(t, h.launchCount())
	assert.Empty(t, h.removed)
}

func TestRun_EarlyFailuresStageNothing(t *testing.T) {
	tests := []struct {
		name    string
		tpl     script.Template
		args    []string
		wantErr error
	}{
		{"malformed", script.New("m", "m", script.KindShell, "#!/bin/bash"), nil, ErrMalformedTemplate},
		{"expansion", script.New("e", "e", script.KindShell, "ls\n"), []string{"${OOPS"}, ErrArgumentExpansion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			h := newFakeHost("/w")
			step := New(inmemory.New(tt.tpl), WithTempDir(tmp), WithLogger(log.Nop()))

			var out bytes.Buffer
			res, err := step.Run(context.Background(), Build{Host: h, WorkDir: "/w", Log: &out}, tt.tpl.ID, tt.args)
			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, res.Succeeded)
			assert.Contains(t, out.String(), "ERROR: ")
			assert.Zero(t, h.launchCount())
			assert.Zero(t, h.fileCount())
			assertEmptyDir(t, tmp)
		})
	}
}

func TestRun_StagingFailure(t *testing.T) {
	tmp := t.TempDir()
	h := newFakeHost("/w")
	h.writeErr = errBoom
	step := New(inmemory.New(script.New("a", "a", script.KindShell, "ls\n")), WithTempDir(tmp), WithLogger(log.Nop()))

	res, err := step.Run(context.Background(), Build{Host: h, WorkDir: "/w"}, "a", nil)
	require.ErrorIs(t, err, ErrStaging)
	assert.False(t, res.Succeeded)
	assert.Zero(t, h.launchCount())
	assertEmptyDir(t, tmp)

	_, err = step.Run(context.Background(), Build{Host: h}, "a", nil)
	require.ErrorIs(t, err, ErrStaging)
}

func TestRun_LaunchErrorStillCleansUp(t *testing.T) {
	h := newFakeHost("/w")
	h.launch = func(context.Context, host.LaunchSpec) (int, error) { return -1, errBoom }
	step := newTestStep(t, nil, script.New("a", "a", script.KindShell, "ls\n"))

	var out bytes.Buffer
	res, err := step.Run(context.Background(), Build{Host: h, WorkDir: "/w", Log: &out}, "a", nil)
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, errBoom)
	assert.False(t, res.Succeeded)
	assert.Contains(t, out.String(), "ERROR: launch failed")
	assert.Len(t, h.removed, 1)
	assert.Zero(t, h.fileCount())
}

func TestRun_CleanupUsesLiveContext(t *testing.T) {
	h := newFakeHost("/w")
	ctx, cancel := context.WithCancel(context.Background())
	h.launch = func(ctx context.Context, _ host.LaunchSpec) (int, error) {
		cancel()
		return -1, ctx.Err()
	}
	step := newTestStep(t, nil, script.New("a", "a", script.KindShell, "ls\n"))

	_, err := step.Run(ctx, Build{Host: h, WorkDir: "/w"}, "a", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, h.removeCtx, 1)
	assert.NoError(t, h.removeCtx[0])
	assert.Zero(t, h.fileCount())
}

func TestRun_CleanupFailureForcesFailure(t *testing.T) {
	h := newFakeHost("/w")
	h.removeErr = errBoom
	step := newTestStep(t, nil, script.New("a", "a", script.KindShell, "ls\n"))

	var out bytes.Buffer
	res, err := step.Run(context.Background(), Build{Host: h, WorkDir: "/w", Log: &out}, "a", nil)
	require.ErrorIs(t, err, ErrCleanup)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, OutcomeCleanupError, Outcome(err))
	assert.False(t, res.Succeeded)
	assert.Equal(t, 0, res.ExitCode)

	remote := h.lastLaunch().spec.Argv[1]
	assert.Contains(t, out.String(), fmt.Sprintf("ERROR: Cannot remove temporary script file '%s'\n", remote))
	assert.Equal(t, 1, strings.Count(out.String(), "ERROR"))
}

func TestRun_LaunchAndCleanupFailures(t *testing.T) {
	h := newFakeHost("/w")
	h.removeErr = errBoom
	h.launch = func(context.Context, host.LaunchSpec) (int, error) { return -1, os.ErrPermission }
	step := newTestStep(t, nil, script.New("a", "a", script.KindShell, "ls\n"))

	_, err := step.Run(context.Background(), Build{Host: h, WorkDir: "/w"}, "a", nil)
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, ErrCleanup)
	assert.Equal(t, OutcomeLaunchError, Outcome(err))
}

func TestRun_NoHost(t *testing.T) {
	step := newTestStep(t, nil, script.New("a", "a", script.KindShell, "ls\n"))
	_, err := step.Run(context.Background(), Build{WorkDir: "/w"}, "a", nil)
	require.ErrorIs(t, err, ErrLaunch)
}

func TestRun_Concurrent(t *testing.T) {
	h := newFakeHost("/w")
	var mu sync.Mutex
	seen := map[string]bool{}
	h.launch = func(_ context.Context, spec host.LaunchSpec) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[spec.Argv[1]] = true
		return 0, nil
	}
	step := newTestStep(t, nil, script.New("a", "a", script.KindShell, "ls\n"))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := step.Run(context.Background(), Build{Host: h, WorkDir: "/w"}, "a", nil)
			if err == nil && !res.Succeeded {
				err = fmt.Errorf("exit %d", res.ExitCode)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, seen, 16)
	assert.Zero(t, h.fileCount())
}

func TestExecute(t *testing.T) {
	h := newFakeHost("/w")
	h.launch = func(_ context.Context, spec host.LaunchSpec) (int, error) {
		if strings.Contains(spec.Argv[1], "_bad_") {
			return 1, nil
		}
		if strings.Contains(spec.Argv[1], "_panic_") {
			panic("launcher exploded")
		}
		return 0, nil
	}
	step := newTestStep(t, nil,
		script.New("good", "good", script.KindShell, "ls\n"),
		script.New("bad", "bad", script.KindShell, "ls\n"),
		script.New("panic", "panic", script.KindShell, "ls\n"),
	)
	ctx := context.Background()
	b := Build{Host: h, WorkDir: "/w"}
	assert.True(t, step.Execute(ctx, b, "good", nil))
	assert.False(t, step.Execute(ctx, b, "bad", nil))
	assert.False(t, step.Execute(ctx, b, "missing", nil))

	var out bytes.Buffer
	b.Log = &out
	assert.False(t, step.Execute(ctx, b, "panic", nil))
	assert.Contains(t, out.String(), "ERROR: script step aborted: launcher exploded")
}

func TestStep_Queries(t *testing.T) {
	step := newTestStep(t, nil,
		script.New("b", "Beta", script.KindShell, "ls", "host", " ", "port"),
		script.New("a", "Alpha", script.KindBatch, "dir"),
	)
	ctx := context.Background()

	ts, err := step.List(ctx)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "Alpha", ts[0].Name)
	assert.Equal(t, "Beta", ts[1].Name)

	assert.True(t, step.Exists(ctx, "a"))
	assert.False(t, step.Exists(ctx, "zzz"))

	assert.NoError(t, step.Check(ctx, "a"))
	err = step.Check(ctx, "zzz")
	require.ErrorIs(t, err, ErrTemplateNotFound)
	assert.EqualError(t, err, script.InvalidScript)
	assert.EqualError(t, step.Check(ctx, " "), script.NoScriptSelected)

	assert.Equal(t, "Required arguments: 1. host | 2. port", step.ArgsDescription(ctx, "b"))
	assert.Equal(t, script.NoArgumentsRequired, step.ArgsDescription(ctx, "a"))
	assert.Equal(t, script.NoScriptSelected, step.ArgsDescription(ctx, "zzz"))

	tpl, err := step.Lookup(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"host", "port"}, tpl.ArgNames())
	_, err = step.Lookup(ctx, "zzz")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestWithKind(t *testing.T) {
	h := newFakeHost("/w")
	step := newTestStep(t, []Option{WithKind(script.KindBatch)},
		script.New("sh", "sh", script.KindShell, "ls"),
		script.New("bat", "bat", script.KindBatch, "dir"),
	)
	ctx := context.Background()
	assert.Equal(t, script.KindBatch, step.Kind())
	assert.False(t, step.Exists(ctx, "sh"))
	ts, err := step.List(ctx)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "bat", ts[0].ID)

	_, err = step.Run(ctx, Build{Host: h, WorkDir: "/w"}, "sh", nil)
	require.ErrorIs(t, err, ErrTemplateNotFound)

	res, err := step.Run(ctx, Build{Host: h, WorkDir: "/w"}, "bat", nil)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, batchInterpreter, h.lastLaunch().spec.Argv[:3])
}

func TestOptions(t *testing.T) {
	step := New(inmemory.New(), WithCleanupTimeout(0), WithExpander(nil), WithLogger(nil))
	assert.Equal(t, DefaultCleanupTimeout, step.cleanupTimeout)
	assert.NotNil(t, step.expander)
	assert.Same(t, log.Default, step.logger)
	assert.Equal(t, ModeMacroExpansion, step.ArgumentMode())

	step = New(inmemory.New(), WithCleanupTimeout(time.Second))
	assert.Equal(t, time.Second, step.cleanupTimeout)
}

func TestRun_Metrics(t *testing.T) {
	old := itelemetry.MeterProvider
	t.Cleanup(func() { _ = tmetric.InitMeterProvider(old) })
	reader := sdkmetric.NewManualReader()
	require.NoError(t, tmetric.InitMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))

	h := newFakeHost("/w")
	step := newTestStep(t, nil, script.New("a", "a", script.KindShell, "ls\n"))
	ctx := context.Background()
	_, err := step.Run(ctx, Build{Host: h, WorkDir: "/w"}, "a", nil)
	require.NoError(t, err)
	_, err = step.Run(ctx, Build{Host: h, WorkDir: "/w"}, "missing", nil)
	require.Error(t, err)
	h.removeErr = errBoom
	_, err = step.Run(ctx, Build{Host: h, WorkDir: "/w"}, "a", nil)
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	outcomes := map[string]int64{}
	var cleanupFailures int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case itelemetry.MetricExecutions:
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					v, _ := dp.Attributes.Value(itelemetry.KeyOutcome)
					outcomes[v.AsString()] += dp.Value
				}
			case itelemetry.MetricCleanupFailures:
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					cleanupFailures += dp.Value
				}
			}
		}
	}
	assert.Equal(t, map[string]int64{
		OutcomeSuccess:      1,
		OutcomeNotFound:     1,
		OutcomeCleanupError: 1,
	}, outcomes)
	assert.Equal(t, int64(1), cleanupFailures)
}
