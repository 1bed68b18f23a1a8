package worker

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// ShutdownSignal is a set-once stop request. The consumer loop checks it
// between deliveries, so a message being handled is always finished and acked
// before the worker stops.
type ShutdownSignal struct {
	requested atomic.Bool
	once      sync.Once
	done      chan struct{}
}

// NewShutdownSignal creates an untriggered signal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{done: make(chan struct{})}
}

// Trigger requests shutdown. Later calls do nothing.
func (s *ShutdownSignal) Trigger() {
	s.once.Do(func() {
		s.requested.Store(true)
		close(s.done)
	})
}

// Requested reports whether Trigger was called.
func (s *ShutdownSignal) Requested() bool {
	return s.requested.Load()
}

// Done is closed once shutdown is requested.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.done
}

// NotifyOn triggers the signal when the process receives one of sigs. The
// returned function stops listening.
func (s *ShutdownSignal) NotifyOn(sigs ...os.Signal) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sigs...)

	quit := make(chan struct{})
	go func() {
		select {
		case <-sigChan:
			s.Trigger()
		case <-quit:
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(sigChan)
			close(quit)
		})
	}
}
