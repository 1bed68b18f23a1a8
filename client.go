// Copyright 2024 The rabbitsub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rabbitsub is a resilient publish/subscribe client for RabbitMQ.
//
// A Client owns one broker connection. Publish and BatchPublish send JSON to
// fanout exchanges and reconnect when heartbeats were missed; Run consumes the
// configured subscribers until shutdown, reconnecting with backoff.
package rabbitsub

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitsub/config"
	"github.com/glimte/rabbitsub/events"
	"github.com/glimte/rabbitsub/health"
	"github.com/glimte/rabbitsub/internal/rabbitmq"
	"github.com/glimte/rabbitsub/internal/reliability"
	"github.com/glimte/rabbitsub/internal/worker"
)

type (
	// Subscriber consumes one queue bound to one fanout exchange.
	Subscriber = rabbitmq.Subscriber
	// MessageHandler processes one delivery.
	MessageHandler = rabbitmq.MessageHandler
	// Delivery is a message received from the broker.
	Delivery = amqp.Delivery
	// PublishOption adjusts a single publish call.
	PublishOption = rabbitmq.PublishOption
	// StopReason tells why Run returned.
	StopReason = worker.StopReason
	// ShutdownSignal requests a stop between deliveries.
	ShutdownSignal = worker.ShutdownSignal
	// RunStatus is a snapshot of the consumer loop.
	RunStatus = worker.Status
	// Dialer opens broker connections.
	Dialer = rabbitmq.Dialer
)

var (
	// NewSubscriber builds a Subscriber from names and a handler function.
	NewSubscriber = rabbitmq.NewSubscriber
	// Persistent sets the delivery mode of one publish call.
	Persistent = rabbitmq.Persistent
	// NewShutdownSignal creates an untriggered shutdown signal.
	NewShutdownSignal = worker.NewShutdownSignal
	// IsAllowedName reports whether an exchange or queue name may be used.
	IsAllowedName = rabbitmq.IsAllowedName
)

// Client provides the main entry point for rabbitsub
type Client struct {
	cfg       config.Config
	logger    *slog.Logger
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	registrar *rabbitmq.Registrar
	bus       *events.Bus
	registry  *Registry
	shutdown  *worker.ShutdownSignal
	tracker   *worker.Tracker
}

// NewClient validates cfg and creates a client. No connection is opened until
// the first publish or Run.
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger:   slog.Default(),
		bus:      events.NewBus(),
		registry: NewRegistry(),
		shutdown: worker.NewShutdownSignal(),
	}
	for _, opt := range options {
		opt(cc)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cc.logger)}
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}
	manager := rabbitmq.NewConnectionManager(cfg, connOpts...)

	publisher := rabbitmq.NewPublisher(manager,
		rabbitmq.WithPublisherLogger(cc.logger),
		rabbitmq.WithPersistentDefault(cfg.Persistent),
		rabbitmq.WithDeclarationCache(cfg.CacheDeclarations),
		rabbitmq.WithPublishTimeout(cfg.PublishTimeout),
	)

	return &Client{
		cfg:       cfg,
		logger:    cc.logger,
		manager:   manager,
		publisher: publisher,
		registrar: rabbitmq.NewRegistrar(cc.bus, rabbitmq.WithRegistrarLogger(cc.logger)),
		bus:       cc.bus,
		registry:  cc.registry,
		shutdown:  cc.shutdown,
		tracker:   worker.NewTracker(),
	}, nil
}

// Publish JSON-encodes message and sends it to the fanout exchange.
func (c *Client) Publish(ctx context.Context, exchange string, message any, opts ...PublishOption) error {
	return c.publisher.Publish(ctx, exchange, message, opts...)
}

// BatchPublish sends every element of the messages slice as its own message
// in one flush. An empty slice does nothing.
func (c *Client) BatchPublish(ctx context.Context, exchange string, messages any, opts ...PublishOption) error {
	return c.publisher.BatchPublish(ctx, exchange, messages, opts...)
}

// Events returns the bus consume failures are reported on.
func (c *Client) Events() *events.Bus {
	return c.bus
}

// Registry returns the subscriber registry consulted by Run.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Config returns the client configuration.
func (c *Client) Config() config.Config {
	return c.cfg
}

// Shutdown returns the signal that stops Run between deliveries.
func (c *Client) Shutdown() *ShutdownSignal {
	return c.shutdown
}

// Connection returns the connection manager, for health reporting.
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.manager
}

// Run resolves the configured subscribers and consumes until the loop stops.
func (c *Client) Run(ctx context.Context) (StopReason, error) {
	subscribers, err := c.registry.Resolve(c.cfg.Subscribes)
	if err != nil {
		return worker.StopFailed, fmt.Errorf("resolve subscribers: %w", err)
	}

	runner := worker.NewRunner(c.manager, c.registrar, subscribers,
		worker.WithLogger(c.logger),
		worker.WithMaxRetries(c.cfg.MaxRetries()),
		worker.WithBackoff(reliability.DoublingBackoff(c.cfg.BackoffUnit, c.cfg.MaxRetries(), rabbitmq.IsTransient)),
		worker.WithMemoryLimit(c.cfg.Memory),
		worker.WithShutdownSignal(c.shutdown),
		worker.WithTracker(c.tracker),
	)
	return runner.Run(ctx)
}

// Status reports where the consumer loop started by Run currently is.
func (c *Client) Status() RunStatus {
	return c.tracker.Status()
}

// HealthRegistry returns a health registry with the connection, memory and
// consumer checks. Readiness follows the consumer loop.
func (c *Client) HealthRegistry() *health.Registry {
	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(c.manager))
	registry.Register(health.NewMemoryChecker(c.cfg.Memory, nil))
	registry.Register(health.NewConsumerChecker(c.tracker))
	registry.SetMetadata("connection_name", c.cfg.ConnectionName)
	registry.SetMetadata("subscribes", c.cfg.Subscribes)
	return registry
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.manager.Close()
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger   *slog.Logger
	dialer   Dialer
	bus      *events.Bus
	registry *Registry
	shutdown *worker.ShutdownSignal
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithEventBus reports consume failures on bus instead of a private one.
func WithEventBus(bus *events.Bus) ClientOption {
	return func(c *clientConfig) {
		c.bus = bus
	}
}

// WithRegistry sets the registry Run resolves configured subscribers from.
func WithRegistry(registry *Registry) ClientOption {
	return func(c *clientConfig) {
		c.registry = registry
	}
}

// WithShutdownSignal shares a shutdown signal with the host.
func WithShutdownSignal(s *ShutdownSignal) ClientOption {
	return func(c *clientConfig) {
		c.shutdown = s
	}
}

// WithDialer replaces the broker dialer.
func WithDialer(dialer Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dialer
	}
}
