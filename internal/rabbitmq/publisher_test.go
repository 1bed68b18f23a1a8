package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitsub/internal/rabbitmq"
)

var heartbeatTimeout = &amqp.Error{Code: amqp.FrameError, Reason: "read tcp 10.0.0.1:5672: i/o timeout"}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	declareOrders := "exchange.declare orders fanout durable=true autoDelete=false"

	t.Run("single message declares once and publishes persistent JSON", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)

		require.NoError(t, publisher.Publish(ctx, "orders", map[string]int{"id": 1}))

		assert.Equal(t, 1, broker.Count(declareOrders))
		published := broker.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "orders", published[0].Exchange)
		assert.JSONEq(t, `{"id":1}`, string(published[0].Msg.Body))
		assert.Equal(t, amqp.Persistent, published[0].Msg.DeliveryMode)
		assert.Equal(t, rabbitmq.ContentTypeJSON, published[0].Msg.ContentType)
		assert.NotEmpty(t, published[0].Msg.MessageId)
	})

	t.Run("repeated publishes reuse the declaration", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)

		for i := 0; i < 3; i++ {
			require.NoError(t, publisher.Publish(ctx, "orders", i))
		}

		assert.Equal(t, 1, broker.Count(declareOrders))
		assert.Len(t, broker.Published(), 3)
	})

	t.Run("declaration cache can be disabled", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithDeclarationCache(false))

		require.NoError(t, publisher.Publish(ctx, "orders", 1))
		require.NoError(t, publisher.Publish(ctx, "orders", 2))

		assert.Equal(t, 2, broker.Count(declareOrders))
	})

	t.Run("transient delivery mode", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)

		require.NoError(t, publisher.Publish(ctx, "orders", "x", rabbitmq.Persistent(false)))

		assert.Equal(t, amqp.Transient, broker.Published()[0].Msg.DeliveryMode)
	})

	t.Run("persistent default is configurable", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithPersistentDefault(false))

		require.NoError(t, publisher.Publish(ctx, "orders", "x"))

		assert.Equal(t, amqp.Transient, broker.Published()[0].Msg.DeliveryMode)
	})

	t.Run("batch buffers every message and flushes once", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)

		messages := []map[string]int{{"id": 1}, {"id": 2}}
		require.NoError(t, publisher.BatchPublish(ctx, "orders", messages))

		assert.Equal(t, 1, broker.Count(declareOrders))
		assert.Equal(t, 2, broker.Count("batch.add orders"))
		assert.Equal(t, 1, broker.Flushes())
		assert.Equal(t, 0, broker.Count("publish orders"))

		published := broker.Published()
		require.Len(t, published, 2)
		assert.JSONEq(t, `{"id":1}`, string(published[0].Msg.Body))
		assert.JSONEq(t, `{"id":2}`, string(published[1].Msg.Body))
	})

	t.Run("empty batch never touches the network", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)

		require.NoError(t, publisher.BatchPublish(ctx, "orders", []any{}))
		require.NoError(t, publisher.Publish(ctx, "orders", nil, rabbitmq.Batch(true)))

		assert.Equal(t, 0, broker.Dials())
		assert.Empty(t, broker.Calls())
	})

	t.Run("batch of a non-slice is rejected", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)

		err := publisher.BatchPublish(ctx, "orders", map[string]int{"id": 1})
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidPayload)
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("unencodable payload is rejected", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)

		err := publisher.Publish(ctx, "orders", make(chan int))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidPayload)
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("reserved exchange name fails without network activity", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)

		err := publisher.Publish(ctx, "amq.direct", map[string]int{"id": 1})
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidName)

		err = publisher.BatchPublish(ctx, "AMQ.fanout", []int{1, 2})
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidName)

		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("missed heartbeat reconnects and retries", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		broker.PublishErrors = []error{heartbeatTimeout}

		require.NoError(t, publisher.Publish(ctx, "orders", 1))

		assert.Equal(t, 2, broker.Dials())
		assert.Equal(t, 2, broker.Count("publish orders"))
		assert.Len(t, broker.Published(), 1)
	})

	t.Run("heartbeat loss detected from the close notification", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		require.NoError(t, publisher.Publish(ctx, "orders", 1))

		broker.Last().Drop(heartbeatTimeout)

		require.NoError(t, publisher.Publish(ctx, "orders", 2))
		assert.Equal(t, 2, broker.Dials())
		assert.Len(t, broker.Published(), 2)
	})

	t.Run("persistent heartbeat loss gives up after three attempts", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		broker.PublishErrors = []error{heartbeatTimeout, heartbeatTimeout, heartbeatTimeout, heartbeatTimeout}

		err := publisher.Publish(ctx, "orders", 1)
		require.Error(t, err)

		var pubErr *rabbitmq.PublishError
		require.True(t, errors.As(err, &pubErr))
		assert.Equal(t, 3, pubErr.Attempts)
		assert.Equal(t, "orders", pubErr.Exchange)
		assert.True(t, rabbitmq.IsHeartbeatMissed(err))
		assert.Equal(t, 3, broker.Count("publish orders"))
		assert.Empty(t, broker.Published())
	})

	t.Run("batch flush is retried as a whole", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		broker.PublishErrors = []error{heartbeatTimeout}

		require.NoError(t, publisher.BatchPublish(ctx, "orders", []int{1, 2}))

		assert.Equal(t, 4, broker.Count("batch.add orders"))
		assert.Equal(t, 1, broker.Flushes())
		assert.Len(t, broker.Published(), 2)
	})

	t.Run("other closed-connection errors are not retried", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		broker.PublishErrors = []error{amqp.ErrClosed}

		err := publisher.Publish(ctx, "orders", 1)
		require.Error(t, err)

		var pubErr *rabbitmq.PublishError
		require.True(t, errors.As(err, &pubErr))
		assert.Equal(t, 1, pubErr.Attempts)
		assert.ErrorIs(t, err, amqp.ErrClosed)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("forced close is not retried", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		require.NoError(t, publisher.Publish(ctx, "orders", 1))

		broker.Last().Drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - shutdown"})

		err := publisher.Publish(ctx, "orders", 2)
		require.Error(t, err)
		assert.False(t, rabbitmq.IsHeartbeatMissed(err))
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("exchange is declared again after close and reconnect", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		require.NoError(t, publisher.Publish(ctx, "orders", 1))
		require.NoError(t, publisher.Publish(ctx, "orders", 2))

		cm.Close()
		require.NoError(t, publisher.Publish(ctx, "orders", 3))

		assert.Equal(t, 2, broker.Count(declareOrders))
		assert.Equal(t, 2, broker.Dials())
	})

	t.Run("declare failure surfaces as a topology error", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		broker.DeclareError = &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type'"}

		err := publisher.Publish(ctx, "orders", 1)

		var topoErr *rabbitmq.TopologyError
		require.True(t, errors.As(err, &topoErr))
		assert.Equal(t, "exchange", topoErr.Component)
		assert.Equal(t, 0, cm.Declarations().Len())
	})

	t.Run("connect failure is returned", func(t *testing.T) {
		cm, broker := newManager(t)
		publisher := rabbitmq.NewPublisher(cm)
		broker.DialErrors = []error{errors.New("connection refused")}

		err := publisher.Publish(ctx, "orders", 1)

		var connErr *rabbitmq.ConnectionError
		assert.True(t, errors.As(err, &connErr))
	})

	t.Run("publish timeout applies without a deadline", func(t *testing.T) {
		cm, _ := newManager(t)
		publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithPublishTimeout(time.Second))

		assert.NoError(t, publisher.Publish(ctx, "orders", 1))
	})
}
