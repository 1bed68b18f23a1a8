package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrHeartbeatMissed  = errors.New("rabbitmq: missed server heartbeat")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrInvalidPayload      = errors.New("rabbitmq: invalid message payload")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")
	ErrAckFailed         = errors.New("rabbitmq: acknowledgement failed")

	// Topology errors
	ErrInvalidName = errors.New("rabbitmq: invalid exchange or queue name")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange  string
	Attempts  int
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s after %d attempt(s): %v",
		e.Exchange, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string // exchange, queue, binding
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err comes from a bad name, payload or
// configuration. Such errors are never retried.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrInvalidPayload)
}

// IsConnectionClosed reports whether err means the broker connection or
// channel is gone.
func IsConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrHeartbeatMissed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ChannelError, amqp.ConnectionForced, amqp.FrameError, amqp.InternalError:
			return true
		}
	}
	return false
}

// IsHeartbeatMissed reports whether err was caused by the broker connection
// being dropped after missed heartbeats. amqp091 surfaces this as a frame error
// whose reason is the read timeout hit by the heartbeat deadline.
func IsHeartbeatMissed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHeartbeatMissed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		reason := strings.ToLower(amqpErr.Reason)
		return strings.Contains(reason, "heartbeat") ||
			(amqpErr.Code == amqp.FrameError && strings.Contains(reason, "timeout"))
	}
	return false
}

// IsTransient reports whether err is a transport fault worth reconnecting for.
// When err carries an AMQP reply code, the code decides: broker refusals such
// as PRECONDITION_FAILED, ACCESS_REFUSED or NOT_FOUND are permanent.
func IsTransient(err error) bool {
	if err == nil || IsConfigurationError(err) {
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return isTransportCode(amqpErr.Code)
	}
	if IsConnectionClosed(err) {
		return true
	}

	var (
		connErr     *ConnectionError
		chanErr     *ChannelError
		consumerErr *ConsumerError
		topoErr     *TopologyError
		netErr      net.Error
	)
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &chanErr),
		errors.As(err, &consumerErr),
		errors.As(err, &topoErr),
		errors.As(err, &netErr):
		return true
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// isTransportCode reports whether an AMQP reply code means the connection or
// channel went away, as opposed to the broker refusing the request.
func isTransportCode(code int) bool {
	switch code {
	case amqp.ConnectionForced, amqp.FrameError, amqp.ChannelError, amqp.InternalError:
		return true
	}
	return false
}

// SanitizeURL removes the password from a connection URL.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
