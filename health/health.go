// Package health reports whether a rabbitsub worker is fit to keep running:
// broker connection state, memory use against the configured ceiling, and the
// progress of the consumer loop. Reports are served over HTTP.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s is more severe than other.
func (s Status) worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Report is the combined outcome of every registered check. Its status is the
// most severe of the individual results.
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// Checker is a single named check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Gate is implemented by checkers that decide readiness and liveness. The
// consumer checker is the only one in this package.
type Gate interface {
	Ready() (bool, string)
	Alive() (bool, string)
}

// Registry holds checks in registration order.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	metadata map[string]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metadata: make(map[string]any)}
}

// Register adds a checker, replacing any checker with the same name in place.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.checkers {
		if c.Name() == checker.Name() {
			r.checkers[i] = checker
			return
		}
	}
	r.checkers = append(r.checkers, checker)
}

// SetMetadata attaches a value to every report.
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

func (r *Registry) snapshot() ([]Checker, map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	checkers := append([]Checker(nil), r.checkers...)
	metadata := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	return checkers, metadata
}

// Check runs every check in registration order. Every check here reads
// in-memory state, so they run one after another; once ctx ends the remaining
// checks are reported unhealthy without running.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()
	checkers, metadata := r.snapshot()

	report := Report{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(checkers)),
		Metadata: metadata,
	}
	for _, checker := range checkers {
		var result CheckResult
		if err := ctx.Err(); err != nil {
			result = CheckResult{
				Name:    checker.Name(),
				Status:  StatusUnhealthy,
				Message: "check not run",
				Error:   err.Error(),
			}
		} else {
			began := time.Now()
			result = checker.Check(ctx)
			result.Name = checker.Name()
			result.Duration = time.Since(began)
		}

		report.Checks[result.Name] = result
		if result.Status.worse(report.Status) {
			report.Status = result.Status
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Ready reports whether every gate is ready. Without gates the registry is
// ready unless a check is unhealthy.
func (r *Registry) Ready(ctx context.Context) (bool, string) {
	gates := r.gates()
	if len(gates) == 0 {
		report := r.Check(ctx)
		return report.Status != StatusUnhealthy, string(report.Status)
	}
	for _, g := range gates {
		if ok, msg := g.Ready(); !ok {
			return false, msg
		}
	}
	return true, "ready"
}

// Alive reports whether every gate is alive. Without gates the process is
// always alive.
func (r *Registry) Alive() (bool, string) {
	for _, g := range r.gates() {
		if ok, msg := g.Alive(); !ok {
			return false, msg
		}
	}
	return true, "alive"
}

func (r *Registry) gates() []Gate {
	checkers, _ := r.snapshot()
	var gates []Gate
	for _, c := range checkers {
		if g, ok := c.(Gate); ok {
			gates = append(gates, g)
		}
	}
	return gates
}
