//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package scriptstep runs managed script templates as build steps.
//
// A Step looks a template up in a script.Provider, resolves its interpreter
// and arguments, stages the content into the build's working directory on
// the build's host, runs it there with the build log as output and removes
// every staged file afterwards, whatever happened before.
package scriptstep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	itelemetry "trpc.group/trpc-go/trpc-managed-script/internal/telemetry"
	"trpc.group/trpc-go/trpc-managed-script/host"
	"trpc.group/trpc-go/trpc-managed-script/log"
	"trpc.group/trpc-go/trpc-managed-script/macro"
	"trpc.group/trpc-go/trpc-managed-script/script"
	"trpc.group/trpc-go/trpc-managed-script/telemetry/trace"
)

// DefaultCleanupTimeout bounds artifact removal after a run.
const DefaultCleanupTimeout = 30 * time.Second

// Build is the context a step runs in.
type Build struct {
	// Host is where the script is staged and launched.
	Host host.Host
	// WorkDir is the working directory on Host. The script is staged there.
	WorkDir string
	// Env is overlaid on the host environment.
	Env map[string]string
	// Vars resolves variable references in arguments.
	Vars macro.Variables
	// Log receives the step's progress lines and the script's output.
	Log io.Writer
}

// Result describes a finished run.
type Result struct {
	ExitCode  int
	Succeeded bool
	Duration  time.Duration
}

// Step executes managed script templates. It is safe for concurrent use.
type Step struct {
	provider       script.Provider
	kind           script.Kind
	mode           ArgumentResolutionMode
	expander       macro.Expander
	tempDir        string
	cleanupTimeout time.Duration
	logger         log.Logger
}

// Option configures a Step.
type Option func(*Step)

// WithKind restricts the step to templates of one kind.
func WithKind(kind script.Kind) Option {
	return func(s *Step) { s.kind = kind }
}

// WithArgumentMode sets how runtime arguments are resolved.
func WithArgumentMode(mode ArgumentResolutionMode) Option {
	return func(s *Step) { s.mode = mode }
}

// WithExpander replaces the default macro expander.
func WithExpander(exp macro.Expander) Option {
	return func(s *Step) {
		if exp != nil {
			s.expander = exp
		}
	}
}

// WithTempDir sets the directory for local temp files. Empty means the
// system default.
func WithTempDir(dir string) Option {
	return func(s *Step) { s.tempDir = dir }
}

// WithCleanupTimeout bounds artifact removal.
func WithCleanupTimeout(d time.Duration) Option {
	return func(s *Step) {
		if d > 0 {
			s.cleanupTimeout = d
		}
	}
}

// WithLogger sets the process logger.
func WithLogger(l log.Logger) Option {
	return func(s *Step) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Step reading templates from p.
func New(p script.Provider, opts ...Option) *Step {
	s := &Step{
		expander:       macro.NewTokenExpander(),
		cleanupTimeout: DefaultCleanupTimeout,
		logger:         log.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.kind != "" {
		p = script.OfKind(p, s.kind)
	}
	s.provider = p
	return s
}

// Kind returns the template kind the step is restricted to, or "".
func (s *Step) Kind() script.Kind { return s.kind }

// ArgumentMode returns the configured argument resolution mode.
func (s *Step) ArgumentMode() ArgumentResolutionMode { return s.mode }

// Run executes template id on b with args. A non-zero exit code is reported
// through Result with a nil error. Errors wrap one of the package error
// categories; cleanup failures are added to any earlier error and always
// clear Result.Succeeded.
func (s *Step) Run(ctx context.Context, b Build, id string, args []string) (res Result, err error) {
	start := time.Now()
	if b.Log == nil {
		b.Log = io.Discard
	}
	attrs := []attribute.KeyValue{itelemetry.KeyScriptID.String(id)}
	if b.Host != nil {
		attrs = append(attrs, itelemetry.KeyHost.String(b.Host.Name()))
	}
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanExecute, oteltrace.WithAttributes(attrs...))
	kind := s.kind
	defer func() {
		res.Duration = time.Since(start)
		if errors.Is(err, context.Canceled) {
			s.logger.Infof("scriptstep: run of %s cancelled", id)
		}
		// Not-found and cleanup failures are already reported by their own line.
		if o := Outcome(err); err != nil && o != OutcomeNotFound && o != OutcomeCleanupError {
			fmt.Fprintf(b.Log, "ERROR: %v\n", err)
		}
		s.record(ctx, span, kind, res, err)
		span.End()
	}()

	res.ExitCode = -1
	tpl, err := s.provider.LookupByID(ctx, id)
	if err != nil {
		fmt.Fprintf(b.Log, "Cannot find script with Id '%s'\n", id)
		return res, fmt.Errorf("%w: %s: %w", ErrTemplateNotFound, id, err)
	}
	kind = tpl.Kind
	span.SetAttributes(itelemetry.KeyScriptKind.String(string(kind)))
	if b.Host == nil {
		return res, fmt.Errorf("%w: build has no execution host", ErrLaunch)
	}
	fmt.Fprintf(b.Log, "executing script '%s'\n", id)

	interp, err := ResolveInterpreter(ctx, tpl.Kind, tpl.Content, b.Host)
	if err != nil {
		return res, fmt.Errorf("template %q: %w", tpl.Name, err)
	}
	if tpl.Kind == script.KindShell && strings.HasPrefix(tpl.Content, shebang) {
		fmt.Fprintf(b.Log, "Using custom interpreter: %s\n", strings.Join(interp, " "))
	}
	span.SetAttributes(itelemetry.KeyInterpreter.String(strings.Join(interp, " ")))

	resolved, err := resolveArguments(ctx, s.mode, s.expander, b.Vars, args)
	if err != nil {
		return res, fmt.Errorf("template %q: %w", tpl.Name, err)
	}

	art, err := s.stage(ctx, b, tpl)
	defer func() {
		if relErr := s.release(ctx, b, art); relErr != nil {
			res.Succeeded = false
			if err == nil {
				err = relErr
			} else {
				err = multierror.Append(err, relErr)
			}
		}
	}()
	if err != nil {
		return res, fmt.Errorf("template %q: %w", tpl.Name, err)
	}

	argv := make([]string, 0, len(interp)+1+len(resolved))
	argv = append(argv, interp...)
	argv = append(argv, art.RemotePath)
	argv = append(argv, resolved...)
	fmt.Fprintf(b.Log, "Executing temp file '%s'\n", art.RemotePath)
	s.logger.Debugf("scriptstep: launching %s on %s", host.ShellJoin(argv), b.Host.Name())

	lctx, lspan := trace.Tracer.Start(ctx, itelemetry.SpanLaunch)
	code, err := b.Host.Launcher().Launch(lctx, host.LaunchSpec{
		Argv:   argv,
		Env:    b.Env,
		Dir:    b.WorkDir,
		Stdout: b.Log,
		Stderr: b.Log,
	})
	if err != nil {
		lspan.RecordError(err)
		lspan.SetStatus(codes.Error, err.Error())
		lspan.End()
		return res, fmt.Errorf("%w: %s on %s: %w", ErrLaunch, art.RemotePath, b.Host.Name(), err)
	}
	lspan.SetAttributes(itelemetry.KeyExitCode.Int(code))
	lspan.End()

	res.ExitCode = code
	res.Succeeded = code == 0
	return res, nil
}

// Execute runs template id and reports whether the step succeeded. Failures
// are written to the build log.
func (s *Step) Execute(ctx context.Context, b Build, id string, args []string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("scriptstep: panic while running %s: %v", id, r)
			if b.Log != nil {
				fmt.Fprintf(b.Log, "ERROR: script step aborted: %v\n", r)
			}
			ok = false
		}
	}()
	res, err := s.Run(ctx, b, id, args)
	return err == nil && res.Succeeded
}

// List returns the available templates sorted by name.
func (s *Step) List(ctx context.Context) ([]script.Template, error) {
	ts, err := s.provider.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := append([]script.Template(nil), ts...)
	script.SortByName(out)
	return out, nil
}

// Lookup returns template id.
func (s *Step) Lookup(ctx context.Context, id string) (script.Template, error) {
	tpl, err := s.provider.LookupByID(ctx, id)
	if err != nil {
		return script.Template{}, fmt.Errorf("%w: %s: %w", ErrTemplateNotFound, id, err)
	}
	return tpl, nil
}

// Exists reports whether template id can be found.
func (s *Step) Exists(ctx context.Context, id string) bool {
	_, err := s.provider.LookupByID(ctx, id)
	return err == nil
}

// CheckError is returned by Check. Its message is meant for users.
type CheckError struct {
	ID      string
	Message string
}

func (e *CheckError) Error() string { return e.Message }

// Unwrap returns ErrTemplateNotFound.
func (e *CheckError) Unwrap() error { return ErrTemplateNotFound }

// Check validates a configured template id.
func (s *Step) Check(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &CheckError{ID: id, Message: script.NoScriptSelected}
	}
	if !s.Exists(ctx, id) {
		return &CheckError{ID: id, Message: script.InvalidScript}
	}
	return nil
}

// ArgsDescription describes the arguments template id expects.
func (s *Step) ArgsDescription(ctx context.Context, id string) string {
	tpl, err := s.provider.LookupByID(ctx, id)
	if err != nil {
		return script.ArgsDescription(nil)
	}
	return script.ArgsDescription(&tpl)
}

func (s *Step) stage(ctx context.Context, b Build, tpl script.Template) (*Artifact, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanStage)
	defer span.End()
	art, err := stage(ctx, b.Host, tpl, b.WorkDir, s.tempDir)
	if art.RemotePath != "" {
		span.SetAttributes(itelemetry.KeyRemotePath.String(art.RemotePath))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return art, err
}

func (s *Step) release(ctx context.Context, b Build, art *Artifact) error {
	if art == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanCleanup)
	defer span.End()

	err := art.Release(ctx)
	if err == nil {
		return nil
	}
	for _, p := range art.FailedPaths() {
		fmt.Fprintf(b.Log, "ERROR: Cannot remove temporary script file '%s'\n", p)
	}
	s.logger.Errorf("scriptstep: %v", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	itelemetry.StepMetricCleanupFailures.Add(ctx, 1)
	return err
}

func (s *Step) record(ctx context.Context, span oteltrace.Span, kind script.Kind, res Result, err error) {
	outcome := outcomeOf(res, err)
	span.SetAttributes(
		itelemetry.KeyOutcome.String(outcome),
		itelemetry.KeyExitCode.Int(res.ExitCode),
		itelemetry.KeyArgumentMode.String(s.mode.String()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if !res.Succeeded {
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", res.ExitCode))
	}
	attrs := metric.WithAttributes(
		itelemetry.KeyOutcome.String(outcome),
		itelemetry.KeyScriptKind.String(string(kind)),
	)
	itelemetry.StepMetricExecutions.Add(ctx, 1, attrs)
	itelemetry.StepMetricDuration.Record(ctx, res.Duration.Seconds(), attrs)
}
