// Package retry provides backoff retry logic for transient failures.
//
// Do runs a function until it succeeds, the attempts run out, the context ends, or the error
// is marked with NonRetryable (or rejected by Config.Retryable). Only the final error is
// returned to the caller.
//
// # Policies
//
// Request/reply transports are configured with a Policy:
//
//	retry.FailFast()                                   // no retries
//	retry.BestEffort()                                 // no retries, error replaced by a neutral result
//	retry.Exponential(3, 10*time.Millisecond, 100*time.Millisecond)
//	retry.Linear(2, 250*time.Millisecond)
//
// Policy.Config converts a policy into a jitter-free Config, so the observed delays of an
// exponential policy are exactly base, 2*base, 4*base ... capped at the maximum.
//
//	cfg := policy.Config()
//	cfg.Retryable = isServerError
//	cfg.OnRetry = func(n int, d time.Duration, err error) { logger.Warn("retrying", "attempt", n) }
//	err := retry.Do(ctx, cfg, send)
package retry
