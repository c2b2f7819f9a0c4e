// Package health provides the ops listener's health and readiness handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail"),
// a "checks" map containing the result of each named checker and an "info"
// map with the current value of each [Reporter] (e.g. the session state).
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// ErrKeyNotConfigured is reported by [KeyStatusCheck] when the backend has no
// API key for the voice agent.
var ErrKeyNotConfigured = errors.New("api key not configured")

// Checker is a named readiness check. Check returns nil when the dependency is
// healthy and an error describing the failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "crm", "calllog"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Reporter contributes an informational value to /readyz. It never affects
// the status code.
type Reporter struct {
	Name   string
	Report func() string
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Info   map[string]string `json:"info,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; checkers and reporters are fixed at construction time.
type Handler struct {
	checkers  []Checker
	reporters []Reporter
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithReporters returns a copy of h that also includes rs in /readyz.
func (h *Handler) WithReporters(rs ...Reporter) *Handler {
	out := &Handler{checkers: h.checkers}
	out.reporters = append(append([]Reporter(nil), h.reporters...), rs...)
	return out
}

// KeyStatusCheck adapts a "is the API key configured" probe into a [Checker].
// A false answer fails readiness with [ErrKeyNotConfigured].
func KeyStatusCheck(name string, configured func(ctx context.Context) (bool, error)) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			ok, err := configured(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return ErrKeyNotConfigured
			}
			return nil
		},
	}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	if len(h.reporters) > 0 {
		res.Info = make(map[string]string, len(h.reporters))
		for _, rp := range h.reporters {
			res.Info[rp.Name] = rp.Report()
		}
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
