package registry

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Dispatcher serves plugin-registered routes and pages over HTTP.
// Routes come and go at runtime, so the chi router delegates every
// request to a dynamic lookup instead of mounting fixed patterns.
type Dispatcher struct {
	routes *Registry
	pages  *Registry
	router chi.Router
}

// NewDispatcher builds an HTTP dispatcher over the route and page
// registries.
func NewDispatcher(routes, pages *Registry) *Dispatcher {
	d := &Dispatcher{
		routes: routes,
		pages:  pages,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/*", http.HandlerFunc(d.serve))
	d.router = r

	return d
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	d.router.ServeHTTP(w, req)
}

func (d *Dispatcher) serve(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path

	if h, ok := d.routes.Resolve(path); ok {
		d.invoke(w, req, h, "application/json")
		return
	}
	if h, ok := d.pages.Resolve(path); ok {
		d.invoke(w, req, h, "text/html; charset=utf-8")
		return
	}

	http.NotFound(w, req)
}

// invoke bridges the HTTP request into the uniform handler payload and
// writes the handler result back.
func (d *Dispatcher) invoke(w http.ResponseWriter, req *http.Request, h Handler, contentType string) {
	payload := map[string]any{
		"method": req.Method,
		"path":   req.URL.Path,
	}

	if len(req.URL.Query()) > 0 {
		query := make(map[string]any, len(req.URL.Query()))
		for k, v := range req.URL.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
		payload["query"] = query
	}

	if req.Body != nil {
		if body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20)); err == nil && len(body) > 0 {
			payload["body"] = string(body)
		}
	}

	result, err := h(req.Context(), payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch body := result.(type) {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case string:
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, body)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
