// Package worker provides a generic bounded worker pool.
//
// A Pool owns a fixed number of goroutines reading from a bounded queue.
// Submit never blocks: a full queue yields ErrQueueFull and the item is counted
// as dropped. SubmitWait blocks for queue space until the pool stops or its
// context ends. Processor panics are recovered and counted as failures.
//
//	pool := worker.NewPool[task](4, 256, func(ctx context.Context, t task) error {
//	    return t.run(ctx)
//	})
//	_ = pool.Start(ctx)
//	_ = pool.Submit(t)
//	pool.Shutdown(true) // drain queued and running items
//
// Shutdown(false) abandons whatever is still queued and returns at once.
package worker
