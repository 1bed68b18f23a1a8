package rabbitmq

// Narrow interfaces over the amqp091 client, plus adapters for the real thing.
// An in-memory broker implementing them lives in package rabbitmqtest.

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Values passed to the amqp client on every call.
// See https://www.rabbitmq.com/amqp-0-9-1-reference.html.
const (
	// We always wait for the server to answer declarations and binds.
	noWait = false

	// Fanout exchanges ignore the routing key.
	routingKey = ""

	mandatory = false
	immediate = false

	// ExchangeKind is the type of every exchange declared by this package.
	ExchangeKind = amqp.ExchangeFanout

	// ContentTypeJSON marks every published message body.
	ContentTypeJSON = "application/json"
)

// Dialer opens broker connections.
type Dialer interface {
	Dial(url string, cfg amqp.Config) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(url string, cfg amqp.Config) (Connection, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(url string, cfg amqp.Config) (Connection, error) {
	return f(url, cfg)
}

// Connection is the subset of *amqp.Connection used by the ConnectionManager.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel used by the publisher and the registrar,
// extended with a client-side batch buffer.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, exchange string, msg amqp.Publishing) error

	// BatchPublish buffers msg for the next PublishBatch call.
	BatchPublish(exchange string, msg amqp.Publishing)
	// PublishBatch sends every buffered message and empties the buffer.
	PublishBatch(ctx context.Context) error

	IsClosed() bool
	Close() error
}

// NewAMQPDialer returns a Dialer for real brokers. With confirms set, every
// channel is put in confirm mode and publishes wait for the broker's ack.
func NewAMQPDialer(confirms bool) Dialer {
	return DialerFunc(func(url string, cfg amqp.Config) (Connection, error) {
		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, err
		}
		return &connection{conn: conn, confirms: confirms}, nil
	})
}

// connection adapts an *amqp.Connection to the Connection interface.
type connection struct {
	conn     *amqp.Connection
	confirms bool
}

// Channel opens a channel, in confirm mode when the connection was created with
// publisher confirms enabled.
func (c *connection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	if c.confirms {
		if err := ch.Confirm(noWait); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	return &channel{ch: ch, confirms: c.confirms}, nil
}

func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *connection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *connection) Close() error {
	return c.conn.Close()
}

type pendingPublish struct {
	exchange string
	msg      amqp.Publishing
}

// channel adapts an *amqp.Channel to the Channel interface.
type channel struct {
	ch       *amqp.Channel
	confirms bool
	batch    []pendingPublish
}

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return ch.ch.Qos(prefetchCount, prefetchSize, global)
}

func (ch *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return ch.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return ch.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (ch *channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return ch.ch.QueueBind(name, key, exchange, noWait, args)
}

func (ch *channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return ch.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (ch *channel) Publish(ctx context.Context, exchange string, msg amqp.Publishing) error {
	if !ch.confirms {
		return ch.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg)
	}
	dc, err := ch.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, immediate, msg)
	if err != nil {
		return err
	}
	return waitConfirm(ctx, dc)
}

func (ch *channel) BatchPublish(exchange string, msg amqp.Publishing) {
	ch.batch = append(ch.batch, pendingPublish{exchange: exchange, msg: msg})
}

// PublishBatch writes the buffered messages back to back. In confirm mode the
// confirmations are collected only after the last write, so the whole batch
// costs one round trip.
func (ch *channel) PublishBatch(ctx context.Context) error {
	batch := ch.batch
	ch.batch = nil

	pending := make([]*amqp.DeferredConfirmation, 0, len(batch))
	for i, p := range batch {
		if !ch.confirms {
			if err := ch.ch.PublishWithContext(ctx, p.exchange, routingKey, mandatory, immediate, p.msg); err != nil {
				return fmt.Errorf("failed to publish batch message %d: %w", i, err)
			}
			continue
		}
		dc, err := ch.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, mandatory, immediate, p.msg)
		if err != nil {
			return fmt.Errorf("failed to publish batch message %d: %w", i, err)
		}
		pending = append(pending, dc)
	}

	for _, dc := range pending {
		if err := waitConfirm(ctx, dc); err != nil {
			return err
		}
	}
	return nil
}

func (ch *channel) IsClosed() bool {
	return ch.ch.IsClosed()
}

func (ch *channel) Close() error {
	ch.batch = nil
	return ch.ch.Close()
}

func waitConfirm(ctx context.Context, dc *amqp.DeferredConfirmation) error {
	if dc == nil {
		return nil
	}
	ack, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ack {
		return ErrPublishNotConfirmed
	}
	return nil
}
