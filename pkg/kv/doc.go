// Package kv defines the Store contract shared by every keyv storage adapter,
// along with the error taxonomy, TTL policies and the backend registry.
//
// Adapters live in subpackages (memory, redis, postgres, sqlstore, mongo,
// dynamo) and register themselves with RegisterBackend from init, so importing
// an adapter for side effects is enough to make it available to
// NewStoreFromConfig.
//
// Example usage:
//
//	cfg := kv.Config{
//		Backend:   kv.BackendRedis,
//		URI:       "redis://localhost:6379/0",
//		Namespace: "sessions",
//	}
//	store, err := kv.NewStoreFromConfig(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	if err := store.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	value, found, err := store.Get(ctx, "user:123")
//	if err != nil {
//		if errors.Is(err, kv.ErrConnection) {
//			log.Println("backend unreachable")
//		}
//		log.Fatal(err)
//	}
//
// Values are JSON documents. Stores never report a missing key as an error:
// Get returns found=false, and Remove/RemoveMany of absent keys succeed.
// Every failure that does cross the boundary is a *Error carrying one Kind.
//
// Backends differ in how they treat a per-write TTL; TTLPolicy makes that
// explicit. Only Redis and DynamoDB expire entries.
package kv
