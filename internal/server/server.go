// Package server exposes compiled models over HTTP.
//
// Routes:
//
//	GET  /healthz
//	GET  /v1/models
//	POST /v1/models/:name/runs
//	GET  /v1/runs/:id
//	GET  /v1/events            (websocket, one Event per run state change)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/gogpu/shadernn"
	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/internal/logging"
	"github.com/gogpu/shadernn/tensor"
)

func slogger() *slog.Logger { return logging.Logger() }

// Option configures a Server.
type Option func(*Server)

// WithHistory sets how many run records GET /v1/runs/:id can return.
func WithHistory(n int) Option {
	return func(s *Server) { s.runs = newRunStore(n) }
}

// Server serves a fixed set of programs.
type Server struct {
	backend string
	models  map[string]*shadernn.Program
	names   []string
	runs    *runStore
	hub     *Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New serves programs under their model names. Unnamed models are served
// as "default". backendName is reported by /v1/models.
func New(backendName string, programs []*shadernn.Program, opts ...Option) (*Server, error) {
	s := &Server{
		backend: backendName,
		models:  make(map[string]*shadernn.Program, len(programs)),
		runs:    newRunStore(DefaultHistory),
		hub:     NewHub(),
	}
	for _, p := range programs {
		name := p.Name()
		if name == "" {
			name = "default"
		}
		if _, dup := s.models[name]; dup {
			return nil, fmt.Errorf("server: two models named %q", name)
		}
		s.models[name] = p
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Register adds the routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/models", s.handleListModels)
	e.POST("/v1/models/:name/runs", s.handleCreateRun)
	e.GET("/v1/runs/:id", s.handleGetRun)
	e.GET("/v1/events", func(c *echo.Context) error {
		s.hub.HandleWS(c.Response(), c.Request())
		return nil
	})
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close cancels asynchronous runs, waits for them and disconnects event
// clients.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "models": len(s.models)})
}

func (s *Server) handleListModels(c *echo.Context) error {
	out := make([]ModelInfo, 0, len(s.names))
	for _, name := range s.names {
		p := s.models[name]
		info := ModelInfo{
			Name:    name,
			Backend: s.backend,
			Layers:  len(p.Graph().Layers),
			Passes:  p.Graph().PassCount(),
		}
		for _, in := range p.Inputs() {
			info.Inputs = append(info.Inputs, shapeOf(in))
		}
		out = append(out, info)
	}
	return c.JSON(http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleCreateRun(c *echo.Context) error {
	name := c.Param("name")
	p, ok := s.models[name]
	if !ok {
		return writeNotFound(c, fmt.Sprintf("model %q not found", name))
	}
	req, err := decodeJSON[RunRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "invalid JSON body: "+err.Error())
	}
	if req.Format != "" && req.Format != "data" && req.Format != "png" {
		return writeBadRequest(c, fmt.Sprintf("unknown output format %q", req.Format))
	}

	shapes := p.Inputs()
	if len(req.Inputs) != len(shapes) {
		return writeBadRequest(c, fmt.Sprintf("model %q takes %d inputs, got %d", name, len(shapes), len(req.Inputs)))
	}
	inputs := make([]*tensor.Tensor, len(shapes))
	for i, d := range req.Inputs {
		t, err := decodeTensor(d, shapes[i])
		if err != nil {
			return writeBadRequest(c, fmt.Sprintf("input %d: %v", i, err))
		}
		inputs[i] = t
	}

	run := Run{ID: "run_" + uuid.NewString(), Model: name, Status: StatusRunning, CreatedAt: time.Now().UTC()}
	s.runs.put(run)
	s.hub.Broadcast(Event{RunID: run.ID, Model: name, Status: StatusRunning})

	params := backend.RunParameters{Inputs: inputs, CaptureAll: req.CaptureAll}
	if req.Async {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, _ = s.execute(s.ctx, p, run, params, req.Format)
		}()
		return c.JSON(http.StatusAccepted, run)
	}

	run, err = s.execute(c.Request().Context(), p, run, params, req.Format)
	if err != nil {
		return writeError(c, statusFor(err), "run_error", err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

// execute runs p, records the outcome and broadcasts it.
func (s *Server) execute(ctx context.Context, p *shadernn.Program, run Run, params backend.RunParameters, format string) (Run, error) {
	start := time.Now()
	res, err := p.Execute(ctx, params)
	run.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	if err == nil {
		run.Outputs, err = encodeAll(res.Outputs, format)
	}
	if err == nil && params.CaptureAll {
		run.Layers, err = encodeAll(res.Layers, format)
	}
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		run.Outputs, run.Layers = nil, nil
		slogger().Warn("server: run failed", "run", run.ID, "model", run.Model, "error", err)
	} else {
		run.Status = StatusCompleted
		for _, issue := range res.Issues {
			run.Issues = append(run.Issues, issue.Error())
		}
		slogger().Info("server: run completed", "run", run.ID, "model", run.Model, "ms", run.DurationMS)
	}
	s.runs.put(run)
	s.hub.Broadcast(Event{RunID: run.ID, Model: run.Model, Status: run.Status, DurationMS: run.DurationMS, Error: run.Error})
	return run, err
}

func (s *Server) handleGetRun(c *echo.Context) error {
	id := c.Param("id")
	run, ok := s.runs.get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("run %q not found", id))
	}
	return c.JSON(http.StatusOK, run)
}

func encodeAll(ts []*tensor.Tensor, format string) ([]Tensor, error) {
	out := make([]Tensor, 0, len(ts))
	for _, t := range ts {
		d, err := encodeTensor(t, format)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// runErrors maps run failures to HTTP statuses. Anything else is a 500.
var runErrors = []struct {
	err    error
	status int
}{
	{shadernn.ErrInput, http.StatusBadRequest},
	{shadernn.ErrClosed, http.StatusServiceUnavailable},
	{shadernn.ErrTimeout, http.StatusGatewayTimeout},
	{context.Canceled, http.StatusServiceUnavailable},
}

func statusFor(err error) int {
	for _, e := range runErrors {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, errors.New("empty body")
		}
		return out, err
	}
	return out, nil
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}
