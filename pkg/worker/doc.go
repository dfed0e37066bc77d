// Package worker provides a generic bounded work queue.
//
// The engine uses a single-worker pool to serialize inbound transport
// deliveries: transports call Submit from their own goroutines and the pool
// hands items to the dispatcher one at a time, in order.
//
//	pool, err := worker.NewPool(1, 1024, func(ctx context.Context, d delivery) error {
//	    return engine.dispatch(ctx, d)
//	}, worker.WithMetrics[delivery](registry, "nutella_inbound"))
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks. A full queue returns ErrQueueFull and the item is
// counted as dropped, matching at-most-once delivery of the transports. Stop
// drains what is already queued before returning.
package worker
