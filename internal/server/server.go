// Package server exposes the host's HTTP surface: the admin API for
// plugin lifecycle operations and the dynamic dispatch of
// plugin-registered routes and pages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hearthbot/hearth/internal/logging"
	"github.com/hearthbot/hearth/internal/plugin"
	"github.com/hearthbot/hearth/internal/registry"
)

// Server is the host HTTP server. Plugin routes and pages are served
// under /p/; everything else is the admin API.
type Server struct {
	manager *plugin.Manager
	logger  *slog.Logger
	http    *http.Server
}

// New builds the server on the given address.
func New(addr string, m *plugin.Manager, dispatcher *registry.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: m,
		logger:  logging.Component(logger, "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", s.listPlugins)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.getPlugin)
			r.Post("/enable", s.enablePlugin)
			r.Post("/disable", s.disablePlugin)
			r.Delete("/", s.deletePlugin)
		})
	})

	r.Mount("/p", http.StripPrefix("/p", dispatcher))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) getPlugin(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	info, ok := s.manager.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, plugin.ErrNotRegistered)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) enablePlugin(w http.ResponseWriter, req *http.Request) {
	s.transition(w, req, s.manager.Enable)
}

func (s *Server) disablePlugin(w http.ResponseWriter, req *http.Request) {
	s.transition(w, req, s.manager.Disable)
}

func (s *Server) deletePlugin(w http.ResponseWriter, req *http.Request) {
	s.transition(w, req, s.manager.Delete)
}

func (s *Server) transition(w http.ResponseWriter, req *http.Request, op func(context.Context, string) error) {
	name := chi.URLParam(req, "name")
	if err := op(req.Context(), name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	info, ok := s.manager.Get(name)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, plugin.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, plugin.ErrDeleted):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
