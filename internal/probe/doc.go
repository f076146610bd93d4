// Package probe implements the write-then-read consistency probe.
//
// A probe writes a fresh value to the primary, then reads it back from a
// replica. The first read decides Consistent; otherwise the replica is re-read
// at a fixed interval until the value appears (EventuallyConsistent) or the
// retry budget is exhausted (Inconsistent). Store errors produce an Error
// outcome classified as WriteFailed or ReadFailed.
//
// RunPurchase applies the same rules to a stock counter. It reads the stock
// on the primary, decrements only when units remain, rolls back a decrement
// that went below zero and counts each sale on a separate sold counter. The
// replica must then show a stock no higher than the one the buyer saw.
package probe
