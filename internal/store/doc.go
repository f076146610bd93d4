// Package store defines the boundary between the harness and the key-value
// store under test.
//
// A Client talks to one endpoint, either the primary or a replica. The harness
// never needs more than ping, string read/write and counter increments, and it
// classifies failures only as connection errors or everything else.
//
// # Implementations
//
//   - Redis: a pooled go-redis client, safe for concurrent workers
//   - memstore.Node: the in-process simulation used by tests and demo runs
//
// # Basic Usage
//
//	primary := store.NewRedis("primary", store.RedisConfig{Addr: "localhost:6379"})
//	replica := store.NewRedis("replica", store.RedisConfig{Addr: "localhost:6380"})
//	defer primary.Close()
//
//	if err := primary.Write(ctx, "k", "v"); err != nil {
//	    if store.Classify(err) == store.ClassConnection {
//	        // endpoint unreachable
//	    }
//	}
package store
