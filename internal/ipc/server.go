// Package ipc exposes the host to the UI process: an HTTP command surface
// on localhost and a websocket channel pushing ipc: events.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuk-labs/usagebar/internal/host/bus"
	"github.com/cuk-labs/usagebar/internal/host/hosterr"
	"github.com/cuk-labs/usagebar/internal/host/lifecycle"
	"github.com/cuk-labs/usagebar/pkg/logger"
)

// Config holds IPC server settings.
type Config struct {
	// Addr is the listen address; loopback only in production.
	Addr string `yaml:"addr" env:"IPC_ADDR"`
}

// Response is the envelope every command returns.
type Response struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ResponseError carries a stable code alongside the message.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server is the IPC endpoint.
type Server struct {
	cfg     Config
	log     *logger.Logger
	manager *lifecycle.Manager
	hub     *hub

	http *http.Server
}

// New wires the server and subscribes the websocket hub to ipc: events.
func New(cfg Config, manager *lifecycle.Manager, eventBus *bus.Bus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("ipc")
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		manager: manager,
		hub:     newHub(log),
	}

	eventBus.RegisterHandler("__ipc_hub", func(ctx context.Context, topic string, data map[string]any) error {
		s.hub.broadcast(topic, data)
		return nil
	})
	eventBus.SubscribePrefix("__ipc_hub", "ipc:")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Post("/api/command/{name}", s.handleCommand)
	r.Get("/ws", s.hub.handleUpgrade)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocks; run on its own goroutine.
func (s *Server) Start() error {
	s.log.WithField("addr", s.cfg.Addr).Info("ipc listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener and closes websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// commandPayload is the request body for commands that take arguments.
type commandPayload struct {
	ID     string         `json:"id,omitempty"`
	Path   string         `json:"path,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var payload commandPayload
	if r.Body != nil {
		// An empty body is fine for argument-less commands.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload)
	}

	data, err := s.dispatch(r.Context(), name, payload)
	if err != nil {
		writeJSON(w, http.StatusOK, Response{
			Success: false,
			Error: &ResponseError{
				Code:    string(hosterr.CodeOf(err)),
				Message: err.Error(),
			},
		})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func (s *Server) dispatch(ctx context.Context, name string, p commandPayload) (any, error) {
	m := s.manager
	switch name {
	// Management
	case "plugin_list":
		return m.List(), nil
	case "plugin_enable":
		return nil, m.Enable(ctx, p.ID)
	case "plugin_disable":
		return nil, m.Disable(ctx, p.ID)
	case "plugin_install":
		id, err := m.Install(ctx, p.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	case "plugin_uninstall":
		return nil, m.Uninstall(ctx, p.ID)
	case "plugin_reload":
		return nil, m.Reload(ctx, p.ID)
	case "plugin_check_updates":
		return m.CheckUpdates(ctx)
	case "plugin_update":
		return nil, m.Update(ctx, p.ID)
	case "plugin_rollback":
		return nil, m.Rollback(ctx, p.ID)

	// Data
	case "get_all_data":
		out := map[string]any{}
		for _, snap := range m.List() {
			if snap.Artefact != nil {
				out[snap.ID] = snap.Artefact
			}
		}
		return out, nil
	case "get_plugin_data":
		return m.Artefact(p.ID)
	case "refresh_plugin":
		return m.Refresh(ctx, p.ID)
	case "refresh_all":
		failures := m.RefreshAll(ctx)
		out := map[string]any{}
		for id, err := range failures {
			out[id] = err.Error()
		}
		return map[string]any{"failures": out}, nil

	// Config
	case "get_plugin_config":
		cfg, err := m.GetConfig(p.ID)
		if err != nil {
			return nil, err
		}
		schema, err := m.Schema(p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"config": cfg, "schema": schema}, nil
	case "set_plugin_config":
		return nil, m.SetConfig(ctx, p.ID, p.Config)
	case "validate_plugin_config":
		if err := m.ValidateConfig(p.ID, p.Config); err != nil {
			return map[string]any{"valid": false, "reason": err.Error()}, nil
		}
		return map[string]any{"valid": true}, nil

	// Health
	case "get_all_health":
		return m.AllHealth(), nil
	case "get_plugin_health":
		return m.Health(p.ID)
	}

	return nil, hosterr.New(hosterr.CodeUnsupportedAPI, "unknown command %q", name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
