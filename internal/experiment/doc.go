// Package experiment supervises experiment runs.
//
// An experiment is registered by name and only ever executes inside a worker
// process: the supervising process runs the safety tests, starts a copy of
// its own executable as the worker, and polls the tests while the worker
// owns the hardware. The two sides share nothing but the shared memory
// server and the worker's exit code.
//
//	supervisor                           worker (same binary, re-executed)
//	──────────                           ─────────────────────────────────
//	CheckAll(tests) ──fail──► aborted_before_start
//	mkdir <root>/<name>/<timestamp>
//	spawn ─────────────────────────────► RunWorker
//	every poll:  alive?                   defer cache.Clear()
//	every check: Monitor.RunAll           PreExperiment, Run, PostExperiment
//	  fatal → SIGTERM … SIGKILL ────────► ctx cancelled, teardown runs
//	Join ◄──── exit code + envelope ───── failure stored by pid
//
// The binary wires the worker side before anything else:
//
//	func main() {
//	    if experiment.IsWorker() {
//	        os.Exit(experiment.RunWorker(context.Background(), logger))
//	    }
//	    ...
//	    sup := experiment.New(experiment.FromConfig("focus-scan", cfg))
//	    if err := sup.Start(ctx); err != nil {
//	        var se *safety.SafetyError
//	        if errors.As(err, &se) { ... }
//	    }
//	}
package experiment
