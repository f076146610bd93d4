// Package loadgen drives concurrent consistency probes against a store.
//
// A Generator starts one goroutine per worker. Each worker runs a fixed number
// of iterations, polling the breaker before each one and feeding every outcome
// to the breaker, the shared Tally and an optional progress callback.
//
// Run returns when every worker has finished or stopped, or as soon as the
// breaker's maximum duration elapses. Workers still blocked in store I/O at
// that point are abandoned; their late outcomes reach a sealed Tally and are
// ignored, so the returned Report never changes after Run returns.
//
// Noise adds background write traffic on the primary through a worker.Pool.
package loadgen
