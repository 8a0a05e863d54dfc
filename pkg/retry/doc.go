// Package retry runs upstream calls with bounded exponential backoff.
//
// Invariants:
// - At most MaxAttempts calls are made and no sleep follows the last one.
// - Errors wrapped with Permanent stop the loop immediately.
// - Backoff sleeps end early when the context is cancelled.
//
// Usage:
//
//	res := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
//		return call(ctx)
//	})
//	if res.Err != nil {
//		return res.Err
//	}
package retry
