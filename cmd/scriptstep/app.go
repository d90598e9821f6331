//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli"

	"trpc.group/trpc-go/trpc-managed-script/config"
	"trpc.group/trpc-go/trpc-managed-script/host"
	itelemetry "trpc.group/trpc-go/trpc-managed-script/internal/telemetry"
	"trpc.group/trpc-go/trpc-managed-script/log"
	"trpc.group/trpc-go/trpc-managed-script/macro"
	"trpc.group/trpc-go/trpc-managed-script/scriptstep"
	"trpc.group/trpc-go/trpc-managed-script/server"
)

const shutdownTimeout = 10 * time.Second

var kindFlag = cli.StringFlag{Name: "kind", Usage: "template kind: shell, batch or powershell (default from config)"}

func newApp(ctx context.Context) *cli.App {
	app := cli.NewApp()
	app.Name = "scriptstep"
	app.Usage = "run managed script templates as build steps"
	app.Version = itelemetry.ServiceVersion
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to the YAML configuration", EnvVar: "SCRIPTSTEP_CONFIG"},
		cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, error or fatal"},
	}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "run a template on the configured host",
			ArgsUsage: "ID [ARGS...]",
			Flags: []cli.Flag{
				kindFlag,
				cli.StringFlag{Name: "workdir", Usage: "working directory on the host (default: current directory)"},
				cli.StringSliceFlag{Name: "env", Usage: "environment entry K=V, repeatable"},
				cli.StringSliceFlag{Name: "var", Usage: "build variable K=V, repeatable"},
			},
			Action: func(c *cli.Context) error { return runScript(ctx, c) },
		},
		{
			Name:   "list",
			Usage:  "list the available templates",
			Flags:  []cli.Flag{kindFlag},
			Action: func(c *cli.Context) error { return listScripts(ctx, c) },
		},
		{
			Name:      "describe",
			Usage:     "show a template and the arguments it expects",
			ArgsUsage: "ID",
			Flags:     []cli.Flag{kindFlag},
			Action:    func(c *cli.Context) error { return describeScript(ctx, c) },
		},
		{
			Name:      "check",
			Usage:     "validate a template id",
			ArgsUsage: "ID",
			Flags:     []cli.Flag{kindFlag},
			Action:    func(c *cli.Context) error { return checkScript(ctx, c) },
		},
		{
			Name:   "serve",
			Usage:  "serve the HTTP API",
			Flags:  []cli.Flag{kindFlag, cli.StringFlag{Name: "addr", Usage: "listen address (default from config)"}},
			Action: func(c *cli.Context) error { return serve(ctx, c) },
		},
	}
	return app
}

// session holds what a command built from the configuration.
type session struct {
	cfg     *config.Config
	step    *scriptstep.Step
	host    host.Host
	closers []func() error
}

func (s *session) Close() error {
	var merr *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		if !log.ValidLevel(lvl) {
			return nil, fmt.Errorf("unknown log level %q", lvl)
		}
		cfg.LogLevel = lvl
	}
	if kind := c.String("kind"); kind != "" {
		cfg.Step.Kind = kind
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func newSession(ctx context.Context, c *cli.Context, withHost bool) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg}
	reg, closeReg, err := cfg.BuildRegistry(ctx)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeReg)
	if s.step, err = cfg.BuildStep(reg); err != nil {
		_ = s.Close()
		return nil, err
	}
	if !withHost {
		return s, nil
	}
	shutdown, err := cfg.StartTelemetry(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.closers = append(s.closers, shutdown)
	h, closeHost, err := cfg.BuildHost(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.host = h
	s.closers = append(s.closers, closeHost)
	return s, nil
}

func parsePairs(flag string, pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--%s %q: want K=V", flag, p)
		}
		out[k] = v
	}
	return out, nil
}

func requireID(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", cli.NewExitError(fmt.Sprintf("%s: template id is required", c.Command.Name), 2)
	}
	return id, nil
}

func runScript(ctx context.Context, c *cli.Context) error {
	id, err := requireID(c)
	if err != nil {
		return err
	}
	env, err := parsePairs("env", c.StringSlice("env"))
	if err != nil {
		return err
	}
	vars, err := parsePairs("var", c.StringSlice("var"))
	if err != nil {
		return err
	}
	merged := make(macro.VariableMap, len(env)+len(vars))
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	workDir := c.String("workdir")
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return err
		}
	}

	s, err := newSession(ctx, c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	ok := s.step.Execute(ctx, scriptstep.Build{
		Host:    s.host,
		WorkDir: workDir,
		Env:     env,
		Vars:    merged,
		Log:     c.App.Writer,
	}, id, c.Args().Tail())
	if !ok {
		return cli.NewExitError(fmt.Sprintf("script %s failed", id), 1)
	}
	return nil
}

func listScripts(ctx context.Context, c *cli.Context) error {
	s, err := newSession(ctx, c, false)
	if err != nil {
		return err
	}
	defer s.Close()
	ts, err := s.step.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tARGS")
	for _, t := range ts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Kind, strings.Join(t.ArgNames(), ","))
	}
	return tw.Flush()
}

func describeScript(ctx context.Context, c *cli.Context) error {
	id, err := requireID(c)
	if err != nil {
		return err
	}
	s, err := newSession(ctx, c, false)
	if err != nil {
		return err
	}
	defer s.Close()
	t, err := s.step.Lookup(ctx, id)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "ID:      %s\n", t.ID)
	fmt.Fprintf(w, "Name:    %s\n", t.Name)
	fmt.Fprintf(w, "Kind:    %s\n", t.Kind)
	if t.Comment != "" {
		fmt.Fprintf(w, "Comment: %s\n", t.Comment)
	}
	fmt.Fprintf(w, "Args:    %s\n\n", s.step.ArgsDescription(ctx, id))
	fmt.Fprint(w, t.Content)
	if !strings.HasSuffix(t.Content, "\n") {
		fmt.Fprintln(w)
	}
	return nil
}

func checkScript(ctx context.Context, c *cli.Context) error {
	s, err := newSession(ctx, c, false)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.step.Check(ctx, c.Args().First()); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Fprintln(c.App.Writer, "ok")
	return nil
}

func serve(ctx context.Context, c *cli.Context) error {
	s, err := newSession(ctx, c, true)
	if err != nil {
		return err
	}
	defer s.Close()
	addr := c.String("addr")
	if addr == "" {
		addr = s.cfg.Server.Addr
	}

	srv, err := server.New(s.step, server.NewBuildFactory(s.host, s.cfg.Server.WorkDir),
		server.WithWorkers(s.cfg.Server.Workers),
		server.WithAllowedOrigins(s.cfg.Server.AllowedOrigins...))
	if err != nil {
		return err
	}
	defer srv.Close()

	hs := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("scriptstep listening on %s, host %s", addr, s.host.Name())
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	log.Infof("scriptstep shutting down")
	return hs.Shutdown(sctx)
}
