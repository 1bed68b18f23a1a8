// Package reliability provides the retry policies used around broker calls.
//
// ExponentialBackoff computes the delay before each attempt and decides when
// to stop; DoublingBackoff is the unit·2^attempt schedule of the consumer loop.
// Retry drives a function through a policy, and Sleep is a context-aware wait.
//
// Example usage:
//
//	policy := DoublingBackoff(time.Second, 10, rabbitmq.IsTransient)
//	err := Retry(ctx, "publish", policy, func() error {
//	    return publisher.Publish(ctx, "orders", order)
//	})
package reliability
