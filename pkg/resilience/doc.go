// Package resilience provides the two primitives that protect external
// calls made from workflow steps: a bounded retry executor with exponential
// backoff, and a per-resource circuit breaker.
//
// The two compose: wrapping a retried call in CircuitBreaker.Execute means
// the breaker only observes the outer outcome, so transient errors absorbed
// by retry never count toward the failure threshold.
//
//	br := registry.Get("crm-api")
//	err := br.Execute(ctx, func(ctx context.Context) error {
//	    _, err := resilience.Do(ctx, resilience.RetryOptions{Retries: 2, MinTimeout: 100 * time.Millisecond},
//	        func(ctx context.Context) (any, error) { return client.Fetch(ctx) })
//	    return err
//	})
package resilience
