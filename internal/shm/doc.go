// Package shm provides the shared memory server: one background process that
// hosts named shareable objects (locks, barriers, namespaces, exception
// records) reachable by any process that knows its (host, port).
//
// # Architecture
//
//	┌──────────────────────┐        gRPC (JSON codec)        ┌─────────────────────┐
//	│ supervisor (Client)  │ ───────────────────────────────▶│       Server        │
//	└──────────────────────┘                                 │                     │
//	┌──────────────────────┐                                 │ registry (private   │
//	│ worker (Client)      │ ───────────────────────────────▶│ lock): name → Mutex │
//	└──────────────────────┘                                 │          name → Barrier
//	┌──────────────────────┐                                 │          name → Namespace
//	│ benchrig inspect     │ ───────────────────────────────▶│ exceptions by pid   │
//	└──────────────────────┘                                 └─────────────────────┘
//
// The contract is identity-by-name: two lookups of the same name, from any
// client, resolve to the same primitive for the lifetime of the server.
// Nothing is handed down at process creation; a worker only needs the address.
//
// # Verbs
//
// Ping, OpenLock, AcquireLock, ReleaseLock, OpenBarrier, BarrierWait,
// BarrierReset, NamespaceOpen, NamespaceGet, NamespaceSet, NamespaceDelete,
// NamespaceKeys, SetException, GetException, Stats.
//
// # Usage
//
//	srv, err := shm.Start(ctx, shm.Config{Address: "127.0.0.1:50052"})
//	if err != nil {
//	    return err
//	}
//	defer srv.Shutdown()
//
//	client, err := shm.Connect(ctx, srv.Addr())
//	if err != nil {
//	    return err // errors.Is(err, shm.ErrConnectionRefused) when nothing listens
//	}
//	defer client.Close()
//
//	stage, _ := client.GetLock(ctx, "stage", 5*time.Second)
//	err = locks.Do(ctx, stage, 0, func() error {
//	    // exclusive across every process using "stage"
//	    return nil
//	})
//
// Fairness across processes is not guaranteed; starvation is bounded only by
// per-acquisition timeouts.
package shm
