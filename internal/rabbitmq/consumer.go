package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitsub/events"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Subscriber consumes one queue bound to one fanout exchange.
type Subscriber interface {
	Exchange() string
	Queue() string
	Handle(ctx context.Context, delivery amqp.Delivery) error
}

type subscriberFunc struct {
	exchange string
	queue    string
	handler  MessageHandler
}

// NewSubscriber builds a Subscriber from names and a handler function.
func NewSubscriber(exchange, queue string, handler MessageHandler) Subscriber {
	return &subscriberFunc{exchange: exchange, queue: queue, handler: handler}
}

func (s *subscriberFunc) Exchange() string { return s.exchange }
func (s *subscriberFunc) Queue() string    { return s.queue }

func (s *subscriberFunc) Handle(ctx context.Context, delivery amqp.Delivery) error {
	return s.handler(ctx, delivery)
}

// Subscription is a subscriber registered on a channel.
type Subscription struct {
	Exchange    string
	Queue       string
	ConsumerTag string

	subscriber Subscriber
	deliveries <-chan amqp.Delivery
	cancelled  bool
}

// Registrar declares subscriber topology and delivers messages to subscribers.
type Registrar struct {
	bus    *events.Bus
	logger *slog.Logger
}

// RegistrarOption configures the registrar
type RegistrarOption func(*Registrar)

// WithRegistrarLogger sets the logger
func WithRegistrarLogger(logger *slog.Logger) RegistrarOption {
	return func(r *Registrar) {
		r.logger = logger
	}
}

// NewRegistrar creates a registrar reporting handler failures to bus. bus may be nil.
func NewRegistrar(bus *events.Bus, options ...RegistrarOption) *Registrar {
	r := &Registrar{
		bus:    bus,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register declares the subscriber's durable queue and fanout exchange, binds
// them and starts a manual-ack consumer on ch.
func (r *Registrar) Register(ch Channel, sub Subscriber) (*Subscription, error) {
	exchange, queue := sub.Exchange(), sub.Queue()
	if err := ValidateName("exchange", exchange); err != nil {
		return nil, err
	}
	if err := ValidateName("queue", queue); err != nil {
		return nil, err
	}

	if _, err := DeclareQueue(ch, DurableQueue(queue)); err != nil {
		return nil, err
	}
	if err := DeclareExchange(ch, FanoutExchange(exchange)); err != nil {
		return nil, err
	}
	if err := BindQueue(ch, Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey}); err != nil {
		return nil, err
	}

	tag := "rabbitsub-" + uuid.NewString()
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		noWait,
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	r.logger.Info("subscribed to queue",
		"exchange", exchange,
		"queue", queue,
		"consumerTag", tag)

	return &Subscription{
		Exchange:    exchange,
		Queue:       queue,
		ConsumerTag: tag,
		subscriber:  sub,
		deliveries:  deliveries,
	}, nil
}

// Start registers every subscriber on ch and returns the session consuming them.
func (r *Registrar) Start(ch Channel, subscribers []Subscriber) (*Session, error) {
	session := &Session{registrar: r}
	for _, sub := range subscribers {
		s, err := r.Register(ch, sub)
		if err != nil {
			return nil, err
		}
		session.subs = append(session.subs, s)
	}
	return session, nil
}

// Dispatch hands one delivery to the subscription's handler. Handler errors and
// panics are logged and emitted on the bus; the delivery is acked exactly once
// whatever the outcome, and only an ack failure is returned.
func (r *Registrar) Dispatch(ctx context.Context, sub *Subscription, delivery amqp.Delivery) (ackErr error) {
	fc := events.FailureContext{
		Exchange: sub.Exchange,
		Queue:    sub.Queue,
		Payload:  string(delivery.Body),
	}
	r.logger.Debug("received message", fc.LogAttrs()...)

	defer func() {
		if err := delivery.Ack(false); err != nil {
			ackErr = &ConsumerError{
				Queue:       sub.Queue,
				ConsumerTag: sub.ConsumerTag,
				Op:          "ack",
				Err:         fmt.Errorf("%w: %w", ErrAckFailed, err),
				Timestamp:   time.Now(),
			}
		}
	}()

	if err := r.invoke(ctx, sub.subscriber, delivery); err != nil {
		r.logger.Error("subscriber failed to handle message",
			append([]any{"error", err}, fc.LogAttrs()...)...)
		if r.bus != nil {
			r.bus.EmitConsumeFailed(err, fc)
		}
	}
	return nil
}

func (r *Registrar) invoke(ctx context.Context, sub Subscriber, delivery amqp.Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in subscriber: %v", p)
		}
	}()
	return sub.Handle(ctx, delivery)
}

// Session waits on the deliveries of every registered subscription.
type Session struct {
	registrar *Registrar
	subs      []*Subscription
}

// Subscriptions returns the registered subscriptions.
func (s *Session) Subscriptions() []*Subscription {
	return s.subs
}

// Consuming reports whether any consumer is still active.
func (s *Session) Consuming() bool {
	for _, sub := range s.subs {
		if !sub.cancelled {
			return true
		}
	}
	return false
}

// Wait blocks until one delivery arrives and has been handled and acked, until
// wake fires, or until ctx ends. A consumer whose delivery stream closes (the
// channel or connection went away) yields an ErrConsumerCancelled error.
func (s *Session) Wait(ctx context.Context, wake <-chan struct{}) error {
	cases := make([]reflect.SelectCase, 0, len(s.subs)+2)
	owners := make([]*Subscription, 0, len(s.subs)+2)

	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	owners = append(owners, nil)
	if wake != nil {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(wake)})
		owners = append(owners, nil)
	}
	for _, sub := range s.subs {
		if sub.cancelled {
			continue
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sub.deliveries)})
		owners = append(owners, sub)
	}

	chosen, value, ok := reflect.Select(cases)
	sub := owners[chosen]
	switch {
	case chosen == 0:
		return ctx.Err()
	case sub == nil:
		return nil
	case !ok:
		sub.cancelled = true
		return &ConsumerError{
			Queue:       sub.Queue,
			ConsumerTag: sub.ConsumerTag,
			Op:          "wait",
			Err:         ErrConsumerCancelled,
			Timestamp:   time.Now(),
		}
	}

	return s.registrar.Dispatch(ctx, sub, value.Interface().(amqp.Delivery))
}
