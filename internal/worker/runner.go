// Package worker runs the long-lived consume loop: connect, register every
// subscriber, wait for deliveries, and reconnect with exponential backoff when
// the broker goes away.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/rabbitsub/config"
	"github.com/glimte/rabbitsub/internal/rabbitmq"
	"github.com/glimte/rabbitsub/internal/reliability"
)

// StopReason tells why Run returned.
type StopReason int

const (
	// StopNoSubscribers means there was nothing to consume; no connection was opened.
	StopNoSubscribers StopReason = iota
	// StopShutdown means a shutdown was requested between deliveries.
	StopShutdown
	// StopMemoryExceeded means memory use reached the configured ceiling.
	StopMemoryExceeded
	// StopRetriesExhausted means every reconnect attempt failed.
	StopRetriesExhausted
	// StopCancelled means the context passed to Run ended.
	StopCancelled
	// StopFailed means a non-transient error ended the loop.
	StopFailed
)

func (r StopReason) String() string {
	switch r {
	case StopNoSubscribers:
		return "no_subscribers"
	case StopShutdown:
		return "shutdown"
	case StopMemoryExceeded:
		return "memory_exceeded"
	case StopRetriesExhausted:
		return "retries_exhausted"
	case StopCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Clean reports whether the worker stopped on purpose rather than on failure.
func (r StopReason) Clean() bool {
	switch r {
	case StopNoSubscribers, StopShutdown, StopMemoryExceeded, StopCancelled:
		return true
	}
	return false
}

// Runner drives the consumer loop over one ConnectionManager.
type Runner struct {
	manager     *rabbitmq.ConnectionManager
	registrar   *rabbitmq.Registrar
	subscribers []rabbitmq.Subscriber

	logger      *slog.Logger
	maxRetries  int
	backoff     reliability.RetryPolicy
	memoryLimit uint64
	memoryUsage func() uint64
	shutdown    *ShutdownSignal
	tracker     *Tracker

	retries int
}

// RunnerOption configures the runner
type RunnerOption func(*Runner)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMaxRetries sets how many reconnect attempts are made in a row. Values
// above config.MaxReconnectRetry are capped.
func WithMaxRetries(n int) RunnerOption {
	return func(r *Runner) {
		r.maxRetries = n
	}
}

// WithBackoff sets the policy giving the delay before each reconnect attempt.
func WithBackoff(policy reliability.RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.backoff = policy
	}
}

// WithMemoryLimit stops the loop once memory use reaches mb megabytes. Zero
// disables the check.
func WithMemoryLimit(mb int) RunnerOption {
	return func(r *Runner) {
		if mb < 0 {
			mb = 0
		}
		r.memoryLimit = uint64(mb) * 1024 * 1024
	}
}

// WithMemoryUsage replaces the function reporting memory use in bytes.
func WithMemoryUsage(usage func() uint64) RunnerOption {
	return func(r *Runner) {
		r.memoryUsage = usage
	}
}

// WithShutdownSignal sets the signal checked between deliveries.
func WithShutdownSignal(s *ShutdownSignal) RunnerOption {
	return func(r *Runner) {
		r.shutdown = s
	}
}

// WithTracker records the loop's progress on t.
func WithTracker(t *Tracker) RunnerOption {
	return func(r *Runner) {
		r.tracker = t
	}
}

// NewRunner creates a runner for subscribers. Nothing is dialed until Run.
func NewRunner(manager *rabbitmq.ConnectionManager, registrar *rabbitmq.Registrar, subscribers []rabbitmq.Subscriber, options ...RunnerOption) *Runner {
	r := &Runner{
		manager:     manager,
		registrar:   registrar,
		subscribers: subscribers,
		logger:      slog.Default(),
		maxRetries:  config.MaxReconnectRetry,
		backoff:     reliability.DoublingBackoff(time.Second, config.MaxReconnectRetry, rabbitmq.IsTransient),
		memoryLimit: 128 * 1024 * 1024,
		memoryUsage: MemoryUsage,
		shutdown:    NewShutdownSignal(),
	}

	for _, opt := range options {
		opt(r)
	}
	if r.maxRetries > config.MaxReconnectRetry {
		r.maxRetries = config.MaxReconnectRetry
	}
	if r.maxRetries < 1 {
		r.maxRetries = 1
	}

	return r
}

// Shutdown returns the signal the loop checks between deliveries.
func (r *Runner) Shutdown() *ShutdownSignal {
	return r.shutdown
}

// MaxRetries returns the effective reconnect cap.
func (r *Runner) MaxRetries() int {
	return r.maxRetries
}

// Run consumes until shutdown, memory exhaustion, cancellation, a fatal error
// or the last failed reconnect. The connection is closed before Run returns.
//
// The retry counter restarts at zero after every handled delivery, so only
// consecutive failures count toward the cap. With StopRetriesExhausted the
// error is a *reliability.RetryError wrapping the last failure.
func (r *Runner) Run(ctx context.Context) (StopReason, error) {
	reason, err := r.run(ctx)
	r.tracker.stopped(reason, err)
	return reason, err
}

func (r *Runner) run(ctx context.Context) (StopReason, error) {
	if len(r.subscribers) == 0 {
		r.logger.Warn("no subscribers configured, nothing to consume")
		return StopNoSubscribers, nil
	}
	defer r.manager.Close()

	start := time.Now()
	var lastErr error

	for r.retries = 0; r.retries < r.maxRetries; r.retries++ {
		reason, err := r.consume(ctx)
		if err == nil {
			return reason, nil
		}
		lastErr = err
		r.tracker.retrying(r.retries+1, err)

		if !rabbitmq.IsTransient(err) {
			r.logger.Error("consumer stopped on unrecoverable error", "error", err)
			return StopFailed, err
		}

		delay := r.backoff.NextDelay(r.retries)
		r.logger.Error("consumer lost broker connection, reconnecting",
			"error", err,
			"retry", r.retries,
			"maxRetry", r.maxRetries,
			"backoff", delay)

		r.manager.Close()
		if reason, stopped := r.pause(ctx, delay); stopped {
			return reason, nil
		}
	}

	r.logger.Error("consumer giving up after reconnect attempts",
		"error", lastErr,
		"maxRetry", r.maxRetries)

	return StopRetriesExhausted, &reliability.RetryError{
		Op:          "consume",
		Attempts:    r.retries,
		MaxAttempts: r.maxRetries,
		LastError:   lastErr,
		Duration:    time.Since(start),
	}
}

// consume runs one connection's worth of the loop. A nil error means the loop
// stopped for the returned reason.
func (r *Runner) consume(ctx context.Context) (StopReason, error) {
	r.tracker.connecting(r.retries, r.maxRetries)
	if err := r.manager.Reconnect(); err != nil {
		return StopFailed, err
	}

	ch, err := r.manager.Channel()
	if err != nil {
		return StopFailed, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return StopFailed, &rabbitmq.ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
	}

	session, err := r.registrar.Start(ch, r.subscribers)
	if err != nil {
		return StopFailed, err
	}
	r.logger.Info("waiting for messages", "subscriptions", len(session.Subscriptions()))
	r.tracker.consuming()

	for session.Consuming() {
		if err := session.Wait(ctx, r.shutdown.Done()); err != nil {
			if ctx.Err() != nil {
				r.logger.Info("consumer context ended, stopping")
				return StopCancelled, nil
			}
			// The handler already ran, so the connection made progress.
			if errors.Is(err, rabbitmq.ErrAckFailed) {
				r.retries = 0
				r.tracker.handled()
			}
			return StopFailed, err
		}
		r.retries = 0
		r.tracker.handled()

		if r.shutdown.Requested() {
			r.logger.Info("shutdown requested, stopping consumer")
			return StopShutdown, nil
		}
		if r.memoryExceeded() {
			return StopMemoryExceeded, nil
		}
	}

	return StopFailed, &rabbitmq.ConsumerError{
		Op:        "consume",
		Err:       rabbitmq.ErrConsumerCancelled,
		Timestamp: time.Now(),
	}
}

// pause waits out a reconnect backoff. A shutdown request or the end of ctx
// cuts it short.
func (r *Runner) pause(ctx context.Context, d time.Duration) (StopReason, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return 0, false
	case <-ctx.Done():
		return StopCancelled, true
	case <-r.shutdown.Done():
		r.logger.Info("shutdown requested during reconnect backoff")
		return StopShutdown, true
	}
}

func (r *Runner) memoryExceeded() bool {
	if r.memoryLimit == 0 || r.memoryUsage == nil {
		return false
	}
	used := r.memoryUsage()
	if used < r.memoryLimit {
		return false
	}
	r.logger.Warn("memory ceiling reached, stopping consumer",
		"memoryUsedMB", used/1024/1024,
		"memoryLimitMB", r.memoryLimit/1024/1024)
	return true
}
