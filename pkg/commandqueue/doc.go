// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane execute in FIFO order, at most concurrency at a time.
//   - Tasks in different lanes may execute concurrently.
//   - A caller waits no longer than its context allows; a lane outlives any
//     single task, including one that panicked or was abandoned.
//   - Lane depth, task duration and abandoned waits are exported as metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	queue.SetConcurrency("outlook", 1)
//	result, err := queue.EnqueueWithContext(ctx, commandqueue.SessionLane("abc"), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
