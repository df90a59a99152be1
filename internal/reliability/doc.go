// Package reliability provides the retry policies and circuit breaker behind
// handler advice.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return handler.HandleMessage(ctx, msg)
//	})
//
//	err = Retry(ctx, "handle", NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
//	    func(ctx context.Context) error {
//	        return handler.HandleMessage(ctx, msg)
//	    })
package reliability
