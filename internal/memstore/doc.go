// Package memstore simulates a primary-replica key-value store in memory.
//
// A Cluster owns one primary Node and any number of replica Nodes. Writes go
// to the primary and are shipped to every replica over an ordered replication
// link after a configurable lag. Links can be partitioned, which freezes the
// replicas at their current state until Heal, and the primary can be paused
// to mimic a frozen process.
//
// Every Node implements store.Client, so the probe engine can run against a
// Cluster exactly as it runs against Redis.
//
//	c := memstore.NewCluster(memstore.ClusterConfig{Replicas: 2, Lag: 5 * time.Millisecond})
//	c.Start(ctx)
//	defer c.Stop()
//
//	_ = c.Primary().Write(ctx, "k", "v")
//	v, found, _ := c.Replicas()[0].Read(ctx, "k") // not yet visible
//
// # Node Lifecycle
//
// Nodes move between Stopped, Running and Suspended. Only a running node
// serves requests; the others answer with a connection error. Replicas reject
// client writes the way a read-only Redis replica does.
package memstore
