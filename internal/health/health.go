// Package health provides the HTTP liveness and readiness endpoints.
//
// Two endpoints are exposed:
//
//   - /healthz is the liveness endpoint and always returns 200 OK.
//   - /readyz is the readiness endpoint and returns 200 only when every
//     registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "engine").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is implemented by engines that can ping their backend, such as
// the whisper.cpp HTTP engine.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Healther is implemented by engines that track their own availability,
// such as a fallback chain with circuit breakers.
type Healther interface {
	Healthy() bool
}

var (
	// ErrNoEngine is reported while no speech engine is installed.
	ErrNoEngine = errors.New("health: no engine installed")

	// ErrEngineUnavailable is reported when every breaker of the engine is open.
	ErrEngineUnavailable = errors.New("health: engine unavailable")
)

// EngineChecker returns a Checker for the engine returned by current. The
// engine is looked up on every check so that hot swaps are reflected.
func EngineChecker(current func() stt.Engine) Checker {
	return Checker{
		Name: "engine",
		Check: func(ctx context.Context) error {
			e := current()
			if e == nil {
				return ErrNoEngine
			}
			if h, ok := e.(Healther); ok && !h.Healthy() {
				return ErrEngineUnavailable
			}
			if p, ok := e.(Pinger); ok {
				return p.Ping(ctx)
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each with a [checkTimeout] deadline
// derived from the request context, and returns 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
