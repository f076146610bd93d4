// Package fault opens and closes fault windows around a measured workload.
//
// A Controller has two operations, StartPartition and StopPartition, and the
// scenario runner treats both as opaque and possibly blocking. Implementations:
//
//   - Manual prints an instruction for an operator and blocks on a Confirmer
//     until the operator has applied the fault (no timeout).
//   - Command runs shell commands such as "docker pause redis-master".
//   - Simulated partitions, pauses or slows down an in-memory cluster.
//   - Noop does nothing and exists for dry runs.
package fault
