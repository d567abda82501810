// Package locks provides the bounded-wait synchronisation primitives shared
// by the bench supervisor and its worker processes.
//
// Two primitives are provided:
//
//   - Mutex: a re-entrant lock whose every acquisition is bounded by a
//     timeout. There is no wait-forever mode; a zero timeout means "use the
//     lock's default".
//   - Barrier: a rendezvous that releases exactly N waiters together, or
//     fails every waiter with ErrBrokenBarrier when a participant is missing
//     or late.
//
// Both are usable directly inside one process, and are hosted by name inside
// the shared memory server (package shm) so that independently started
// processes resolve the same primitive.
//
// # Ownership
//
// Go has no goroutine identity, so re-entrancy is keyed on an explicit owner
// token. Guard binds one owner to a Mutex and is what most callers use:
//
//	mu := locks.New("stage", 5*time.Second)
//	g := mu.Handle("worker-1")
//
//	err := locks.Do(ctx, g, 0, func() error {
//	    // critical section; g may be re-acquired here without deadlock
//	    return nil
//	})
package locks
