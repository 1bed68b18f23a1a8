package rabbitmq

import (
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// FanoutExchange is the durable, never auto-deleted fanout exchange used on
// both the publish and the consume path.
func FanoutExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:       name,
		Kind:       ExchangeKind,
		Durable:    true,
		AutoDelete: false,
	}
}

// DurableQueue is the durable, never auto-deleted queue used by subscribers.
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:       name,
		Durable:    true,
		AutoDelete: false,
		Exclusive:  false,
	}
}

// DeclareExchange declares an exchange on the given channel
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Kind,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		noWait,
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a queue on the given channel
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		noWait,
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on the given channel
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		noWait,
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "create", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclarationCache remembers the exchanges declared on the current channel.
// Its contents are only valid for that channel: the ConnectionManager resets
// it whenever the channel is closed or replaced.
type DeclarationCache struct {
	mu       sync.Mutex
	declared map[string]struct{}
}

// NewDeclarationCache creates an empty cache.
func NewDeclarationCache() *DeclarationCache {
	return &DeclarationCache{declared: make(map[string]struct{})}
}

// EnsureExchange declares the named fanout exchange unless this cache has
// already seen it.
func (c *DeclarationCache) EnsureExchange(ch Channel, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.declared[name]; ok {
		return nil
	}
	if err := DeclareExchange(ch, FanoutExchange(name)); err != nil {
		return err
	}
	if c.declared == nil {
		c.declared = make(map[string]struct{})
	}
	c.declared[name] = struct{}{}
	return nil
}

// Has reports whether name was declared on the current channel.
func (c *DeclarationCache) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.declared[name]
	return ok
}

// Len returns the number of cached exchanges.
func (c *DeclarationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.declared)
}

// Reset forgets every declaration.
func (c *DeclarationCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.declared)
}
