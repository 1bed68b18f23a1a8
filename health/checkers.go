package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/rabbitsub/internal/rabbitmq"
	"github.com/glimte/rabbitsub/internal/worker"
)

// ConnectionState is the part of the connection manager the checker reads.
type ConnectionState interface {
	State() rabbitmq.State
	CloseReason() error
	URL() string
}

// ConnectionChecker reports the broker connection state. It never dials.
type ConnectionChecker struct {
	conn ConnectionState
}

// NewConnectionChecker creates a new broker connection checker
func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	state := c.conn.State()
	result := CheckResult{
		Details: map[string]any{
			"state": state.String(),
			"url":   c.conn.URL(),
		},
	}

	if state == rabbitmq.StateConnected {
		result.Status = StatusHealthy
		result.Message = "connection is open"
		return result
	}

	result.Status = StatusUnhealthy
	result.Message = "connection is closed"
	if reason := c.conn.CloseReason(); reason != nil {
		result.Error = reason.Error()
		result.Details["heartbeat_missed"] = rabbitmq.IsHeartbeatMissed(reason)
	}
	return result
}

// MemoryChecker compares memory use with the worker's ceiling. At or above the
// ceiling the consumer loop stops, so the check turns unhealthy; above
// warningRatio of it the check is degraded.
type MemoryChecker struct {
	limit        uint64
	warningRatio float64
	usage        func() uint64
}

// NewMemoryChecker creates a memory checker for a ceiling of limitMB megabytes.
// A zero limit only reports usage.
func NewMemoryChecker(limitMB int, usage func() uint64) *MemoryChecker {
	if usage == nil {
		usage = worker.MemoryUsage
	}
	return &MemoryChecker{
		limit:        uint64(limitMB) * 1024 * 1024,
		warningRatio: 0.9,
		usage:        usage,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	used := c.usage()
	usedMB := float64(used) / 1024 / 1024
	limitMB := c.limit / 1024 / 1024
	result := CheckResult{
		Details: map[string]any{
			"memory_used_mb": usedMB,
			"goroutines":     runtime.NumGoroutine(),
		},
	}

	switch {
	case c.limit == 0:
		result.Status = StatusHealthy
		result.Message = "memory ceiling disabled"
		return result
	case used >= c.limit:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("memory use %.1f MB reached the %d MB ceiling", usedMB, limitMB)
	case float64(used) >= c.warningRatio*float64(c.limit):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("memory use %.1f MB is close to the %d MB ceiling", usedMB, limitMB)
	default:
		result.Status = StatusHealthy
		result.Message = "memory use is normal"
	}
	result.Details["memory_limit_mb"] = limitMB
	return result
}

// ConsumerState is the part of the worker tracker the checker reads.
type ConsumerState interface {
	Status() worker.Status
}

// ConsumerChecker reports where the consumer loop is. It is the registry's
// readiness and liveness gate: ready only while consuming, dead once the loop
// stopped on a failure.
type ConsumerChecker struct {
	state ConsumerState
	now   func() time.Time
}

// NewConsumerChecker creates a checker over the loop's tracker.
func NewConsumerChecker(state ConsumerState) *ConsumerChecker {
	return &ConsumerChecker{state: state, now: time.Now}
}

func (c *ConsumerChecker) Name() string {
	return "consumer"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	s := c.state.Status()
	result := CheckResult{
		Details: map[string]any{
			"phase":   s.Phase.String(),
			"handled": s.Handled,
		},
	}
	if !s.Since.IsZero() {
		result.Details["phase_seconds"] = c.now().Sub(s.Since).Seconds()
	}
	if s.LastError != nil {
		result.Error = s.LastError.Error()
	}

	switch s.Phase {
	case worker.PhaseConsuming:
		result.Status = StatusHealthy
		result.Message = "consuming"
	case worker.PhaseConnecting, worker.PhaseRetrying:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s, attempt %d of %d", s.Phase, s.Retry+1, s.MaxRetries)
		result.Details["retry"] = s.Retry
		result.Details["max_retry"] = s.MaxRetries
	case worker.PhaseStopped:
		result.Details["reason"] = s.Reason.String()
		result.Message = "stopped: " + s.Reason.String()
		if s.Reason.Clean() {
			result.Status = StatusDegraded
		} else {
			result.Status = StatusUnhealthy
		}
	default:
		result.Status = StatusDegraded
		result.Message = "not started"
	}
	return result
}

// Ready implements Gate.
func (c *ConsumerChecker) Ready() (bool, string) {
	s := c.state.Status()
	if s.Phase == worker.PhaseConsuming {
		return true, "consuming"
	}
	return false, s.Phase.String()
}

// Alive implements Gate.
func (c *ConsumerChecker) Alive() (bool, string) {
	s := c.state.Status()
	if s.Phase == worker.PhaseStopped && !s.Reason.Clean() {
		return false, "stopped: " + s.Reason.String()
	}
	return true, s.Phase.String()
}
