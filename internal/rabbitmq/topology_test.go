package rabbitmq_test

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitsub/internal/rabbitmq"
	"github.com/glimte/rabbitsub/internal/rabbitmq/rabbitmqtest"
)

func openChannel(t *testing.T, broker *rabbitmqtest.Broker) *rabbitmqtest.Channel {
	t.Helper()
	conn, err := broker.Dial("amqp://localhost", amqp.Config{})
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch.(*rabbitmqtest.Channel)
}

func TestTopologyDefaults(t *testing.T) {
	exchange := rabbitmq.FanoutExchange("orders")
	assert.Equal(t, amqp.ExchangeFanout, exchange.Kind)
	assert.True(t, exchange.Durable)
	assert.False(t, exchange.AutoDelete)

	queue := rabbitmq.DurableQueue("orders.audit")
	assert.True(t, queue.Durable)
	assert.False(t, queue.AutoDelete)
	assert.False(t, queue.Exclusive)
}

func TestDeclarationCache(t *testing.T) {
	t.Run("declares each exchange once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		ch := openChannel(t, broker)
		cache := rabbitmq.NewDeclarationCache()

		require.NoError(t, cache.EnsureExchange(ch, "orders"))
		require.NoError(t, cache.EnsureExchange(ch, "orders"))
		require.NoError(t, cache.EnsureExchange(ch, "invoices"))

		assert.Equal(t, 1, broker.Count("exchange.declare orders fanout durable=true autoDelete=false"))
		assert.Equal(t, 1, broker.Count("exchange.declare invoices fanout durable=true autoDelete=false"))
		assert.True(t, cache.Has("orders"))
		assert.Equal(t, 2, cache.Len())
	})

	t.Run("Reset forgets declarations", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		ch := openChannel(t, broker)
		cache := rabbitmq.NewDeclarationCache()
		require.NoError(t, cache.EnsureExchange(ch, "orders"))

		cache.Reset()
		assert.False(t, cache.Has("orders"))

		require.NoError(t, cache.EnsureExchange(ch, "orders"))
		assert.Equal(t, 2, broker.Count("exchange.declare orders fanout durable=true autoDelete=false"))
	})

	t.Run("failed declaration is not cached", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		ch := openChannel(t, broker)
		cache := rabbitmq.NewDeclarationCache()
		broker.DeclareError = &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg"}

		err := cache.EnsureExchange(ch, "orders")

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "declare", topoErr.Op)
		assert.False(t, cache.Has("orders"))
	})
}
