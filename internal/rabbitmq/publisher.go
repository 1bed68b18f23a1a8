package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// publishAttempts bounds the tries of one publish when the connection keeps
// dropping on missed heartbeats.
const publishAttempts = 3

// Publisher sends JSON messages to fanout exchanges, declaring each exchange
// before its first use on the current channel.
type Publisher struct {
	manager           *ConnectionManager
	logger            *slog.Logger
	persistent        bool
	cacheDeclarations bool
	publishTimeout    time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPersistentDefault sets the delivery mode used when a call does not pass Persistent.
func WithPersistentDefault(persistent bool) PublisherOption {
	return func(p *Publisher) {
		p.persistent = persistent
	}
}

// WithDeclarationCache toggles the exchange declaration cache. Without it every
// publish attempt declares its exchange.
func WithDeclarationCache(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.cacheDeclarations = enabled
	}
}

// WithPublishTimeout bounds a publish call whose context has no deadline.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:           manager,
		logger:            slog.Default(),
		persistent:        true,
		cacheDeclarations: true,
		publishTimeout:    10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

type publishOptions struct {
	persistent bool
	batch      bool
}

// PublishOption adjusts a single Publish call.
type PublishOption func(*publishOptions)

// Persistent asks the broker to store the message on disk.
func Persistent(persistent bool) PublishOption {
	return func(o *publishOptions) {
		o.persistent = persistent
	}
}

// Batch publishes every element of a slice as its own message, flushed together.
func Batch(batch bool) PublishOption {
	return func(o *publishOptions) {
		o.batch = batch
	}
}

// Publish JSON-encodes messages and sends it to exchange. With Batch(true),
// messages must be a slice and each element becomes one message; an empty
// slice is a no-op that never touches the network.
func (p *Publisher) Publish(ctx context.Context, exchange string, messages any, opts ...PublishOption) error {
	if err := ValidateName("exchange", exchange); err != nil {
		return err
	}

	o := publishOptions{persistent: p.persistent}
	for _, opt := range opts {
		opt(&o)
	}

	bodies, err := encodeBodies(messages, o.batch)
	if err != nil {
		return err
	}
	if o.batch && len(bodies) == 0 {
		return nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if err := p.manager.EnsureInitialized(); err != nil {
		return &PublishError{Exchange: exchange, Err: err, Timestamp: time.Now()}
	}

	for attempt := 1; ; attempt++ {
		err := p.manager.explainClosed(p.send(ctx, exchange, bodies, o))
		if err == nil {
			return nil
		}
		if !IsHeartbeatMissed(err) {
			return &PublishError{Exchange: exchange, Attempts: attempt, Err: err, Timestamp: time.Now()}
		}

		p.logger.Error("missed server heartbeat while publishing, reconnecting",
			"exchange", exchange,
			"error", err,
			"retry", attempt)

		if rerr := p.manager.Reconnect(); rerr != nil {
			return &PublishError{Exchange: exchange, Attempts: attempt, Err: rerr, Timestamp: time.Now()}
		}
		if attempt >= publishAttempts {
			return &PublishError{Exchange: exchange, Attempts: attempt, Err: err, Timestamp: time.Now()}
		}
	}
}

// BatchPublish is Publish with Batch(true).
func (p *Publisher) BatchPublish(ctx context.Context, exchange string, messages any, opts ...PublishOption) error {
	return p.Publish(ctx, exchange, messages, append(opts, Batch(true))...)
}

func (p *Publisher) send(ctx context.Context, exchange string, bodies [][]byte, o publishOptions) error {
	ch, err := p.manager.Channel()
	if err != nil {
		return err
	}

	if p.cacheDeclarations {
		err = p.manager.Declarations().EnsureExchange(ch, exchange)
	} else {
		err = DeclareExchange(ch, FanoutExchange(exchange))
	}
	if err != nil {
		return err
	}

	if !o.batch {
		return ch.Publish(ctx, exchange, newPublishing(bodies[0], o.persistent))
	}

	for _, body := range bodies {
		ch.BatchPublish(exchange, newPublishing(body, o.persistent))
	}
	return ch.PublishBatch(ctx)
}

func newPublishing(body []byte, persistent bool) amqp.Publishing {
	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: mode,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}
}

// encodeBodies returns one JSON body, or one per element when batch is set.
func encodeBodies(messages any, batch bool) ([][]byte, error) {
	if !batch {
		body, err := json.Marshal(messages)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return [][]byte{body}, nil
	}

	v := reflect.ValueOf(messages)
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: batch messages must be a slice, got %T", ErrInvalidPayload, messages)
	}

	bodies := make([][]byte, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		body, err := json.Marshal(v.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrInvalidPayload, i, err)
		}
		bodies = append(bodies, body)
	}
	return bodies, nil
}
