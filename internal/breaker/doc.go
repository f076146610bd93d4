// Package breaker stops a load phase once the store is clearly unhealthy.
//
// A Breaker starts Open (normal) and moves to Tripped exactly once. It trips
// after too many consecutive failures, too many failures in total, or when the
// phase has run longer than its maximum duration. Workers poll ShouldStop
// before each iteration; the poll is a single atomic load.
package breaker
