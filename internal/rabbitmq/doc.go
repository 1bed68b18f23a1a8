// Package rabbitmq provides the RabbitMQ client layer used by rabbitsub.
//
// This package includes:
//   - ConnectionManager: owns one connection and one channel, connects lazily and reconnects on demand
//   - DeclarationCache: remembers the exchanges declared on the current channel
//   - Publisher: publishes single or batched JSON messages to fanout exchanges
//   - Registrar: declares subscriber topology and dispatches deliveries with manual acks
//   - Session: waits for the next delivery across all subscriptions
//
// Names beginning with "amq." are reserved by the broker and rejected before
// any network call. Publishing retries only when the connection was lost to
// missed heartbeats; every other failure is returned to the caller.
package rabbitmq
