package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Routes serves the registry over HTTP.
//
//	GET /healthz  full JSON report, 503 when unhealthy
//	GET /readyz   200 only while every gate is ready
//	GET /livez    503 once a gate reports the worker dead
type Routes struct {
	registry *Registry
	timeout  time.Duration
}

// RegisterRoutes mounts /healthz, /readyz and /livez on r.
func RegisterRoutes(r *mux.Router, registry *Registry, timeout time.Duration) {
	routes := &Routes{registry: registry, timeout: timeout}
	r.HandleFunc("/healthz", routes.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", routes.readyz).Methods(http.MethodGet)
	r.HandleFunc("/livez", routes.livez).Methods(http.MethodGet)
}

func (rt *Routes) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.timeout)
	defer cancel()

	report := rt.registry.Check(ctx)
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (rt *Routes) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.timeout)
	defer cancel()

	ok, msg := rt.registry.Ready(ctx)
	writeText(w, ok, msg)
}

func (rt *Routes) livez(w http.ResponseWriter, r *http.Request) {
	ok, msg := rt.registry.Alive()
	writeText(w, ok, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "failed to encode health report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(data, '\n'))
}

func writeText(w http.ResponseWriter, ok bool, msg string) {
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
}

// NewServer returns an HTTP server exposing the registry's checks on addr.
func NewServer(addr string, registry *Registry) *http.Server {
	r := mux.NewRouter()
	RegisterRoutes(r, registry, 5*time.Second)
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
