package worker

import (
	"runtime"
	"sync"
	"time"
)

// Phase is where the consumer loop currently is.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConsuming
	PhaseRetrying
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConsuming:
		return "consuming"
	case PhaseRetrying:
		return "retrying"
	case PhaseStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Status is a snapshot of the consumer loop.
type Status struct {
	Phase      Phase
	Retry      int
	MaxRetries int
	Handled    uint64
	LastError  error
	Reason     StopReason
	Since      time.Time
}

// Tracker records the consumer loop's progress for health reporting. The zero
// value is idle and ready to use.
type Tracker struct {
	mu     sync.Mutex
	status Status
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{status: Status{Since: time.Now()}}
}

// Status returns the current snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) update(fn func(*Status)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.status.Phase
	fn(&t.status)
	if t.status.Phase != prev || t.status.Since.IsZero() {
		t.status.Since = time.Now()
	}
}

func (t *Tracker) connecting(retry, maxRetries int) {
	t.update(func(s *Status) {
		s.Phase = PhaseConnecting
		s.Retry = retry
		s.MaxRetries = maxRetries
	})
}

func (t *Tracker) consuming() {
	t.update(func(s *Status) {
		s.Phase = PhaseConsuming
	})
}

func (t *Tracker) handled() {
	t.update(func(s *Status) {
		s.Handled++
		s.Retry = 0
	})
}

func (t *Tracker) retrying(retry int, err error) {
	t.update(func(s *Status) {
		s.Phase = PhaseRetrying
		s.Retry = retry
		s.LastError = err
	})
}

func (t *Tracker) stopped(reason StopReason, err error) {
	t.update(func(s *Status) {
		s.Phase = PhaseStopped
		s.Reason = reason
		if err != nil {
			s.LastError = err
		}
	})
}

// MemoryUsage returns the bytes of heap currently allocated by the process.
func MemoryUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}
