// Package rabbitmqtest provides an in-memory fake of the broker connection
// used by rabbitmq.ConnectionManager, recording every call made against it.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitsub/internal/rabbitmq"
)

// Published is a message seen by the fake broker.
type Published struct {
	Exchange string
	Msg      amqp.Publishing
}

// Broker is a fake rabbitmq.Dialer. All state is guarded by one mutex.
type Broker struct {
	mu sync.Mutex

	// DialErrors are returned by successive Dial calls; nil entries succeed.
	DialErrors []error
	// PublishErrors are returned by successive Publish and PublishBatch calls.
	PublishErrors []error
	// DeclareError is returned by every ExchangeDeclare when set.
	DeclareError error
	// CloseErrors makes channel and connection Close return an error.
	CloseErrors bool

	dials       int
	calls       []string
	published   []Published
	flushes     int
	connections []*Connection
}

var _ rabbitmq.Dialer = (*Broker)(nil)

// NewBroker creates a fake broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Dial implements rabbitmq.Dialer.
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.calls = append(b.calls, "dial")
	if len(b.DialErrors) > 0 {
		err := b.DialErrors[0]
		b.DialErrors = b.DialErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := &Connection{broker: b}
	b.connections = append(b.connections, conn)
	return conn, nil
}

// Dials returns the number of Dial calls.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Calls returns every recorded call, in order.
func (b *Broker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Count returns how many recorded calls equal call.
func (b *Broker) Count(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Published returns the messages that reached the broker.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Flushes returns the number of PublishBatch calls that reached the broker.
func (b *Broker) Flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// Connections returns every connection dialed so far.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

// Last returns the most recent connection, or nil.
func (b *Broker) Last() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connections) == 0 {
		return nil
	}
	return b.connections[len(b.connections)-1]
}

func (b *Broker) record(format string, args ...any) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *Broker) nextPublishError() error {
	if len(b.PublishErrors) == 0 {
		return nil
	}
	err := b.PublishErrors[0]
	b.PublishErrors = b.PublishErrors[1:]
	return err
}

// Connection is a fake rabbitmq.Connection.
type Connection struct {
	broker   *Broker
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

// Channel implements rabbitmq.Connection.
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("channel.open")
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection.
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection.
func (c *Connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("connection.close")
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked()
	if b.CloseErrors {
		return fmt.Errorf("fake connection close failure")
	}
	return nil
}

// Drop simulates the broker closing the connection with reason.
func (c *Connection) Drop(reason *amqp.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	for _, n := range c.notify {
		select {
		case n <- reason:
		default:
		}
	}
	c.shutdownLocked()
}

// Channels returns the channels opened on c.
func (c *Connection) Channels() []*Channel {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

func (c *Connection) shutdownLocked() {
	c.closed = true
	for _, ch := range c.channels {
		ch.shutdownLocked()
	}
}

// Channel is a fake rabbitmq.Channel.
type Channel struct {
	conn      *Connection
	closed    bool
	batch     []Published
	consumers map[string]chan amqp.Delivery
}

var _ rabbitmq.Channel = (*Channel)(nil)

func (ch *Channel) broker() *Broker { return ch.conn.broker }

// Qos implements rabbitmq.Channel.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.record("qos %d", prefetchCount)
	return nil
}

// ExchangeDeclare implements rabbitmq.Channel.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.record("exchange.declare %s %s durable=%t autoDelete=%t", name, kind, durable, autoDelete)
	return b.DeclareError
}

// QueueDeclare implements rabbitmq.Channel.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b.record("queue.declare %s durable=%t autoDelete=%t", name, durable, autoDelete)
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.Channel.
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.record("queue.bind %s %s", name, exchange)
	return nil
}

// Consume implements rabbitmq.Channel. Deliveries are pushed with Deliver.
func (ch *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	b.record("consume %s autoAck=%t", queue, autoAck)
	deliveries := make(chan amqp.Delivery, 64)
	ch.consumers[queue] = deliveries
	return deliveries, nil
}

// Deliver queues a message for the consumer of queue. It reports false when
// there is no open consumer.
func (ch *Channel) Deliver(queue string, d amqp.Delivery) bool {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	deliveries, ok := ch.consumers[queue]
	if !ok || ch.closed {
		return false
	}
	deliveries <- d
	return true
}

// Publish implements rabbitmq.Channel.
func (ch *Channel) Publish(ctx context.Context, exchange string, msg amqp.Publishing) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.record("publish %s", exchange)
	if err := b.nextPublishError(); err != nil {
		return err
	}
	b.published = append(b.published, Published{Exchange: exchange, Msg: msg})
	return nil
}

// BatchPublish implements rabbitmq.Channel.
func (ch *Channel) BatchPublish(exchange string, msg amqp.Publishing) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("batch.add %s", exchange)
	ch.batch = append(ch.batch, Published{Exchange: exchange, Msg: msg})
}

// PublishBatch implements rabbitmq.Channel.
func (ch *Channel) PublishBatch(ctx context.Context) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := ch.batch
	ch.batch = nil
	if ch.closed {
		return amqp.ErrClosed
	}
	b.record("batch.flush")
	if err := b.nextPublishError(); err != nil {
		return err
	}
	b.flushes++
	b.published = append(b.published, batch...)
	return nil
}

// IsClosed implements rabbitmq.Channel.
func (ch *Channel) IsClosed() bool {
	ch.broker().mu.Lock()
	defer ch.broker().mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel.
func (ch *Channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("channel.close")
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked()
	if b.CloseErrors {
		return fmt.Errorf("fake channel close failure")
	}
	return nil
}

// Kill simulates the broker closing only this channel.
func (ch *Channel) Kill() {
	ch.broker().mu.Lock()
	defer ch.broker().mu.Unlock()
	ch.shutdownLocked()
}

func (ch *Channel) shutdownLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	for queue, deliveries := range ch.consumers {
		close(deliveries)
		delete(ch.consumers, queue)
	}
}

// Acker counts acknowledgements. It implements amqp.Acknowledger.
type Acker struct {
	mu     sync.Mutex
	Acks   int
	Nacks  int
	AckErr error
}

var _ amqp.Acknowledger = (*Acker)(nil)

// Ack implements amqp.Acknowledger.
func (a *Acker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acks++
	return a.AckErr
}

// Nack implements amqp.Acknowledger.
func (a *Acker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacks++
	return nil
}

// Reject implements amqp.Acknowledger.
func (a *Acker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// AckCount returns the number of acks seen.
func (a *Acker) AckCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Acks
}
