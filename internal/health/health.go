// Package health serves the liveness and readiness endpoints and holds the
// client the check-health subcommand uses against them.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// [Checker] concurrently and answers 503 when the server is draining or a
// required check fails. Optional checks that fail only mark the report
// "degraded"; the server keeps taking calls.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each check when [Handler.Timeout] is zero.
const DefaultTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is one named readiness check.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional checks degrade the report instead of failing it.
	Optional bool
}

// CheckResult is one entry of a [Report].
type CheckResult struct {
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration_ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status   string                 `json:"status"`
	Draining bool                   `json:"draining,omitempty"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether the report should be answered with 200.
func (r Report) Ready() bool { return r.Status != StatusFail }

// Handler evaluates a fixed set of checkers.
type Handler struct {
	// Timeout bounds each check.
	Timeout time.Duration

	checkers []Checker
	draining atomic.Bool
}

// New returns a handler for checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SetDraining makes readiness fail while the server shuts down, so load
// balancers stop routing new calls to it.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Evaluate runs every checker concurrently and folds the results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, Duration: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Draining: h.draining.Load()}
	if rep.Draining {
		rep.Status = StatusFail
	}
	if len(results) > 0 {
		rep.Checks = make(map[string]CheckResult, len(results))
	}
	for i, res := range results {
		c := h.checkers[i]
		rep.Checks[c.Name] = res
		switch {
		case res.Status == StatusOK:
		case c.Optional:
			if rep.Status == StatusOK {
				rep.Status = StatusDegraded
			}
		default:
			rep.Status = StatusFail
		}
	}
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if !rep.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Probe GETs url and succeeds only on 200.
func Probe(ctx context.Context, client *http.Client, url string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health: probe: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health: probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
