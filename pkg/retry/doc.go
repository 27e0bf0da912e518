// Package retry provides exponential backoff retry logic for transient failures.
//
// Transports use Connect(n) when dialing a broker:
//
//	err := retry.Do(ctx, retry.Connect(cfg.Retry), func() error {
//	    return dial(ctx)
//	})
//
// Wrap an error with NonRetryable to stop immediately, for example when a
// TLS file is missing and further attempts cannot succeed.
package retry
