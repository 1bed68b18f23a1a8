package rabbitsub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitsub/config"
	"github.com/glimte/rabbitsub/events"
	"github.com/glimte/rabbitsub/health"
	"github.com/glimte/rabbitsub/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/rabbitsub/internal/worker"
)

func newTestClient(t *testing.T, cfg config.Config, opts ...ClientOption) (*Client, *rabbitmqtest.Broker) {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	base := []ClientOption{
		WithDialer(broker),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	client, err := NewClient(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, broker
}

func TestNewClient(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		cfg := config.Default()
		cfg.Port = 0

		_, err := NewClient(cfg)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("does not connect", func(t *testing.T) {
		client, broker := newTestClient(t, config.Default())

		assert.Equal(t, 0, broker.Dials())
		assert.NotNil(t, client.Events())
		assert.NotNil(t, client.Registry())
		assert.Equal(t, "localhost", client.Config().Host)
	})
}

func TestClientPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes with the configured delivery mode", func(t *testing.T) {
		cfg := config.Default()
		cfg.Persistent = false
		client, broker := newTestClient(t, cfg)

		require.NoError(t, client.Publish(ctx, "orders", map[string]int{"id": 1}))
		require.NoError(t, client.Publish(ctx, "orders", map[string]int{"id": 2}, Persistent(true)))

		published := broker.Published()
		require.Len(t, published, 2)
		assert.Equal(t, amqp.Transient, published[0].Msg.DeliveryMode)
		assert.Equal(t, amqp.Persistent, published[1].Msg.DeliveryMode)
	})

	t.Run("batch publishes in one flush", func(t *testing.T) {
		client, broker := newTestClient(t, config.Default())

		require.NoError(t, client.BatchPublish(ctx, "orders", []string{"a", "b", "c"}))

		assert.Equal(t, 1, broker.Flushes())
		assert.Len(t, broker.Published(), 3)
	})

	t.Run("reserved names never reach the broker", func(t *testing.T) {
		client, broker := newTestClient(t, config.Default())

		assert.False(t, IsAllowedName("amq.direct"))
		assert.Error(t, client.Publish(ctx, "amq.direct", 1))
		assert.Equal(t, 0, broker.Dials())
	})
}

func TestClientRun(t *testing.T) {
	t.Run("no configured subscribers", func(t *testing.T) {
		client, broker := newTestClient(t, config.Default())

		reason, err := client.Run(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, worker.StopNoSubscribers, reason)
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("unknown subscriber id", func(t *testing.T) {
		cfg := config.Default()
		cfg.Subscribes = []string{"missing"}
		client, broker := newTestClient(t, cfg)

		_, err := client.Run(context.Background())

		assert.ErrorIs(t, err, ErrUnknownSubscriber)
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("failed messages reach the event bus and are acked", func(t *testing.T) {
		cfg := config.Default()
		cfg.Subscribes = []string{"audit"}
		cfg.Memory = 0

		bus := events.NewBus()
		failures := make(chan map[string]any, 1)
		require.NoError(t, bus.RegisterConsumeFailedListener(func(err error, fc map[string]any) {
			failures <- fc
		}))

		registry := NewRegistry()
		registry.MustRegister("audit", func() (Subscriber, error) {
			return NewSubscriber("orders", "orders.audit", func(ctx context.Context, d Delivery) error {
				return errors.New("rejected")
			}), nil
		})

		client, broker := newTestClient(t, cfg, WithEventBus(bus), WithRegistry(registry))
		done := make(chan StopReason, 1)
		go func() {
			reason, _ := client.Run(context.Background())
			done <- reason
		}()

		acker := &rabbitmqtest.Acker{}
		require.Eventually(t, func() bool {
			conn := broker.Last()
			if conn == nil || len(conn.Channels()) == 0 {
				return false
			}
			return conn.Channels()[0].Deliver("orders.audit", amqp.Delivery{Acknowledger: acker, Body: []byte(`{"id":5}`)})
		}, time.Second, time.Millisecond)

		select {
		case fc := <-failures:
			assert.Equal(t, "orders", fc["exchange"])
			assert.Equal(t, "orders.audit", fc["queue"])
			assert.Equal(t, `{"id":5}`, fc["payload"])
		case <-time.After(time.Second):
			t.Fatal("no consume failure emitted")
		}

		client.Shutdown().Trigger()
		select {
		case reason := <-done:
			assert.Equal(t, worker.StopShutdown, reason)
		case <-time.After(time.Second):
			t.Fatal("client did not stop")
		}
		assert.Equal(t, 1, acker.AckCount())
	})
}

func TestClientHealth(t *testing.T) {
	client, _ := newTestClient(t, config.Default())
	registry := client.HealthRegistry()

	result := registry.Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, result.Status)
	assert.Equal(t, health.StatusUnhealthy, result.Checks["rabbitmq"].Status)

	assert.Equal(t, health.StatusDegraded, result.Checks["consumer"].Status)

	require.NoError(t, client.Publish(context.Background(), "orders", 1))
	result = registry.Check(context.Background())
	assert.Equal(t, health.StatusHealthy, result.Checks["rabbitmq"].Status)

	ready, _ := registry.Ready(context.Background())
	assert.False(t, ready, "publishing alone does not make a consumer ready")
}

func TestClientReadiness(t *testing.T) {
	cfg := config.Default()
	cfg.Subscribes = []string{"audit"}
	cfg.Memory = 0

	registry := NewRegistry()
	registry.MustRegister("audit", func() (Subscriber, error) {
		return NewSubscriber("orders", "orders.audit", func(ctx context.Context, d Delivery) error { return nil }), nil
	})
	client, _ := newTestClient(t, cfg, WithRegistry(registry))
	checks := client.HealthRegistry()
	assert.Equal(t, worker.PhaseIdle, client.Status().Phase)

	done := make(chan StopReason, 1)
	go func() {
		reason, _ := client.Run(context.Background())
		done <- reason
	}()

	require.Eventually(t, func() bool {
		ready, _ := checks.Ready(context.Background())
		return ready
	}, time.Second, time.Millisecond)
	assert.Equal(t, health.StatusHealthy, checks.Check(context.Background()).Checks["consumer"].Status)

	client.Shutdown().Trigger()
	select {
	case reason := <-done:
		assert.Equal(t, worker.StopShutdown, reason)
	case <-time.After(time.Second):
		t.Fatal("client did not stop")
	}

	assert.Equal(t, worker.PhaseStopped, client.Status().Phase)
	ready, msg := checks.Ready(context.Background())
	assert.False(t, ready)
	assert.Equal(t, "stopped", msg)
	alive, _ := checks.Alive()
	assert.True(t, alive)
}

func TestRegistry(t *testing.T) {
	factory := func() (Subscriber, error) {
		return NewSubscriber("orders", "orders.audit", func(ctx context.Context, d Delivery) error { return nil }), nil
	}

	t.Run("resolves in configured order", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register("b", factory))
		require.NoError(t, registry.Register("a", factory))

		subs, err := registry.Resolve([]string{"b", "a"})
		require.NoError(t, err)
		assert.Len(t, subs, 2)
		assert.Equal(t, []string{"a", "b"}, registry.IDs())
	})

	t.Run("rejects duplicates and empty ids", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register("a", factory))

		assert.ErrorIs(t, registry.Register("a", factory), ErrDuplicateSubscriber)
		assert.Error(t, registry.Register("", factory))
		assert.Error(t, registry.Register("nil", nil))
		assert.Panics(t, func() { registry.MustRegister("a", factory) })
	})

	t.Run("factory errors are returned", func(t *testing.T) {
		registry := NewRegistry()
		boom := errors.New("boom")
		registry.MustRegister("bad", func() (Subscriber, error) { return nil, boom })

		_, err := registry.Resolve([]string{"bad"})
		assert.ErrorIs(t, err, boom)
	})
}
