//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package server exposes a script step over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-managed-script/host"
	"trpc.group/trpc-go/trpc-managed-script/log"
	"trpc.group/trpc-go/trpc-managed-script/macro"
	"trpc.group/trpc-go/trpc-managed-script/script"
	"trpc.group/trpc-go/trpc-managed-script/scriptstep"
)

const defaultWorkers = 4

// RunRequest is the body of POST /scripts/{id}/run.
type RunRequest struct {
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
}

// RunResponse reports a finished run.
type RunResponse struct {
	RunID    string `json:"run_id"`
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Log      string `json:"log"`
	Error    string `json:"error,omitempty"`
}

// ScriptView is a template as listed by the server.
type ScriptView struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Comment string   `json:"comment,omitempty"`
	Kind    string   `json:"kind"`
	Args    []string `json:"args"`
}

// ScriptDetail adds the content and the argument description.
type ScriptDetail struct {
	ScriptView
	Content         string `json:"content"`
	ArgsDescription string `json:"args_description"`
}

// CheckResponse is the body of GET /scripts/{id}/check.
type CheckResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// BuildFactory creates the build a run executes in. The server sets the
// build log itself.
type BuildFactory func(ctx context.Context, runID string, req RunRequest) (scriptstep.Build, error)

// NewBuildFactory returns a factory running on h. Runs without a work_dir
// use workDir. Environment entries are also visible as variables; request
// variables win.
func NewBuildFactory(h host.Host, workDir string) BuildFactory {
	return func(_ context.Context, _ string, req RunRequest) (scriptstep.Build, error) {
		dir := req.WorkDir
		if dir == "" {
			dir = workDir
		}
		vars := make(macro.VariableMap, len(req.Env)+len(req.Vars))
		for k, v := range req.Env {
			vars[k] = v
		}
		for k, v := range req.Vars {
			vars[k] = v
		}
		return scriptstep.Build{Host: h, WorkDir: dir, Env: req.Env, Vars: vars}, nil
	}
}

// Server serves the script step API.
type Server struct {
	step    *scriptstep.Step
	build   BuildFactory
	router  *mux.Router
	handler http.Handler
	workers int
	origins map[string]bool
	pool    *ants.PoolWithFunc
}

// Option configures the Server instance.
type Option func(*Server)

// WithWorkers bounds the number of concurrent runs. Runs beyond the bound
// are rejected with 503.
func WithWorkers(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithAllowedOrigins lists the browser origins allowed to call the API in
// addition to the server's own. "*" allows every origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			if o != "" {
				s.origins[o] = true
			}
		}
	}
}

// New creates a server for step. build supplies the host and working
// directory of every run.
func New(step *scriptstep.Step, build BuildFactory, opts ...Option) (*Server, error) {
	if step == nil || build == nil {
		return nil, errors.New("server: step and build factory are required")
	}
	s := &Server{
		step:    step,
		build:   build,
		router:  mux.NewRouter(),
		workers: defaultWorkers,
		origins: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	pool, err := createRunPool(s.workers)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	c := cors.New(cors.Options{
		AllowOriginRequestFunc: s.originAllowed,
		AllowedMethods:         []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:         []string{"Content-Type"},
		ExposedHeaders:         []string{"Content-Length", "Content-Type"},
	})
	s.registerRoutes()
	// Preflights never match a route, so CORS wraps the router.
	s.handler = c.Handler(s.rejectForeignOrigins(s.router))
	return s, nil
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.handler }

// originAllowed accepts the server's own origin and the configured ones.
func (s *Server) originAllowed(r *http.Request, origin string) bool {
	if s.origins["*"] || s.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == r.Host
}

// rejectForeignOrigins refuses browser requests from origins that are not
// allowed. CORS alone only hides the response; the run would still happen.
func (s *Server) rejectForeignOrigins(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !s.originAllowed(r, origin) {
			log.Warnf("request from origin %s rejected: path=%s", origin, r.URL.Path)
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close releases the worker pool. Runs in flight finish first.
func (s *Server) Close() {
	s.pool.Release()
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/scripts", s.handleListScripts).Methods(http.MethodGet)
	s.router.HandleFunc("/scripts/{id}", s.handleGetScript).Methods(http.MethodGet)
	s.router.HandleFunc("/scripts/{id}/check", s.handleCheckScript).Methods(http.MethodGet)
	s.router.HandleFunc("/scripts/{id}/run", s.handleRunScript).Methods(http.MethodPost)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleListScripts called: path=%s", r.URL.Path)
	ts, err := s.step.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]ScriptView, 0, len(ts))
	for _, t := range ts {
		views = append(views, newScriptView(t))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleGetScript called: path=%s", r.URL.Path)
	id := mux.Vars(r)["id"]
	t, err := s.step.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, script.ErrNotFound) {
			http.Error(w, "Script not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, ScriptDetail{
		ScriptView:      newScriptView(t),
		Content:         t.Content,
		ArgsDescription: script.ArgsDescription(&t),
	})
}

func (s *Server) handleCheckScript(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleCheckScript called: path=%s", r.URL.Path)
	id := mux.Vars(r)["id"]
	if err := s.step.Check(r.Context(), id); err != nil {
		s.writeJSON(w, CheckResponse{OK: false, Message: err.Error()})
		return
	}
	s.writeJSON(w, CheckResponse{OK: true})
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleRunScript called: path=%s", r.URL.Path)
	id := mux.Vars(r)["id"]
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.step.Exists(r.Context(), id) {
		http.Error(w, "Script not found", http.StatusNotFound)
		return
	}

	runID := uuid.NewString()
	b, err := s.build(r.Context(), runID, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out := &syncBuffer{}
	b.Log = out

	res, err := run(r.Context(), s.pool, s.step, b, id, req.Args)
	if errors.Is(err, ants.ErrPoolOverload) {
		log.Warnf("run %s of %s rejected: %v", runID, id, err)
		http.Error(w, "Too many runs in progress", http.StatusServiceUnavailable)
		return
	}
	resp := RunResponse{
		RunID:    runID,
		Success:  err == nil && res.Succeeded,
		ExitCode: res.ExitCode,
		Log:      out.String(),
	}
	if err != nil {
		resp.Error = err.Error()
		log.Errorf("run %s of %s failed: %v", runID, id, err)
	}
	s.writeJSON(w, resp)
}

func newScriptView(t script.Template) ScriptView {
	return ScriptView{
		ID:      t.ID,
		Name:    t.Name,
		Comment: t.Comment,
		Kind:    string(t.Kind),
		Args:    t.ArgNames(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// syncBuffer is the build log of one run.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
