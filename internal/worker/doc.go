// Package worker provides a bounded goroutine pool.
//
// The pool runs background traffic (noise writers) next to a measured
// workload. Submit never blocks: when the queue is full the job is dropped and
// counted, so a slow store cannot back up the producer. SubmitWait blocks until
// the job is queued or a context ends.
//
//	pool := worker.NewPoolWithConfig(worker.PoolConfig{Name: "noise", NumWorkers: 5})
//	pool.Start(ctx)
//	defer pool.Stop()
//	pool.Submit(func(ctx context.Context) { _ = primary.Write(ctx, key, value) })
//
// Stop cancels the context passed to running jobs, waits for them to return
// and discards anything still queued.
package worker
