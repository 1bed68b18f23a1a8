package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitsub/config"
)

// State is the connection state seen by the ConnectionManager.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// ConnectionManager owns the broker connection and its single channel.
//
// It is driven by one goroutine at a time (the consumer loop or a publisher);
// the mutex only makes State and CloseReason safe to read from health checks.
type ConnectionManager struct {
	cfg          config.Config
	url          string
	dialer       Dialer
	logger       *slog.Logger
	declarations *DeclarationCache

	mu          sync.RWMutex
	conn        Connection
	ch          Channel
	initialized bool
	notifyClose chan *amqp.Error
	closeReason *amqp.Error
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the dialer used to reach the broker.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// NewConnectionManager creates a connection manager. Nothing is dialed until
// the first EnsureInitialized, Reconnect or Channel call.
func NewConnectionManager(cfg config.Config, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		cfg:          cfg,
		url:          cfg.URI(),
		logger:       slog.Default(),
		declarations: NewDeclarationCache(),
	}

	for _, opt := range options {
		opt(cm)
	}
	if cm.dialer == nil {
		cm.dialer = NewAMQPDialer(cfg.PublisherConfirms)
	}

	return cm
}

// Connect dials the broker and opens a channel. It does not release anything
// opened before, so callers go through EnsureInitialized or Reconnect.
func (cm *ConnectionManager) Connect() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connectLocked()
}

// EnsureInitialized connects on first use and is a no-op afterwards.
func (cm *ConnectionManager) EnsureInitialized() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.initialized {
		return nil
	}
	if err := cm.connectLocked(); err != nil {
		return err
	}
	cm.initialized = true
	return nil
}

// Reconnect drops the current connection, if one was ever opened, and connects
// again. The first call only connects.
func (cm *ConnectionManager) Reconnect() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.initialized {
		cm.initialized = true
	} else {
		cm.closeLocked()
	}
	return cm.connectLocked()
}

// Channel returns the current channel. Without a connection it connects and
// marks the manager initialized; a missing or closed channel is replaced on the
// existing connection.
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil {
		if err := cm.connectLocked(); err != nil {
			return nil, err
		}
		cm.initialized = true
		return cm.ch, nil
	}

	if cm.ch == nil || cm.ch.IsClosed() {
		ch, err := cm.conn.Channel()
		if err != nil {
			return nil, &ChannelError{
				Op:        "replace channel",
				Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
				Timestamp: time.Now(),
			}
		}
		cm.ch = ch
		cm.declarations.Reset()
		cm.logger.Debug("replaced closed channel")
	}

	return cm.ch, nil
}

// Close releases the channel and the connection. Errors from either step are
// logged and swallowed, so Close is safe to call at any time and more than once.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.closeLocked()
}

// Declarations returns the exchange declaration cache bound to the current channel.
func (cm *ConnectionManager) Declarations() *DeclarationCache {
	return cm.declarations
}

// Initialized reports whether a first connection was ever requested.
func (cm *ConnectionManager) Initialized() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.initialized
}

// State returns the connection state.
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.conn == nil || cm.conn.IsClosed() {
		return StateDisconnected
	}
	return StateConnected
}

// URL returns the broker URL without its password.
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// CloseReason returns the error the broker or the heartbeat monitor closed the
// current connection with, or nil.
func (cm *ConnectionManager) CloseReason() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.closeReasonLocked()
}

func (cm *ConnectionManager) closeReasonLocked() error {
	if cm.notifyClose != nil {
		select {
		case reason, ok := <-cm.notifyClose:
			if ok && reason != nil {
				cm.closeReason = reason
			}
		default:
		}
	}
	if cm.closeReason == nil {
		return nil
	}
	return cm.closeReason
}

// explainClosed tags err with ErrHeartbeatMissed when it reports a closed
// connection and the connection went away because heartbeats stopped.
func (cm *ConnectionManager) explainClosed(err error) error {
	if err == nil || IsHeartbeatMissed(err) || !IsConnectionClosed(err) {
		return err
	}
	cm.mu.Lock()
	reason := cm.closeReasonLocked()
	cm.mu.Unlock()
	if IsHeartbeatMissed(reason) {
		return fmt.Errorf("%w: %w", ErrHeartbeatMissed, err)
	}
	return err
}

func (cm *ConnectionManager) connectLocked() error {
	conn, err := cm.dialer.Dial(cm.url, cm.cfg.AMQPConfig())
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &ChannelError{
			Op:        "open channel",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	cm.ch = ch
	cm.notifyClose = notify
	cm.closeReason = nil
	cm.declarations.Reset()

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"heartbeat", cm.cfg.HeartbeatInterval())
	return nil
}

func (cm *ConnectionManager) closeLocked() {
	if cm.ch != nil {
		if err := cm.ch.Close(); err != nil {
			cm.logger.Debug("ignoring channel close error", "error", err)
		}
	}
	if cm.conn != nil {
		if err := cm.conn.Close(); err != nil {
			cm.logger.Debug("ignoring connection close error", "error", err)
		}
	}
	cm.ch = nil
	cm.conn = nil
	cm.notifyClose = nil
	cm.declarations.Reset()
}
