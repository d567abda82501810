// Package process runs a function in a child process and ferries its failure
// back to the parent.
//
// Go cannot fork, so a child is the current executable started again with
// the EnvChild marker set. The program's entry point checks IsChild first
// and, in a child, hands its body to RunChild:
//
//	func main() {
//	    if process.IsChild() {
//	        client, _ := shm.Connect(ctx, os.Getenv("BENCHRIG_SERVER"))
//	        os.Exit(process.RunChild(ctx, client, body))
//	    }
//	    ...
//	}
//
// The parent side is Supervised:
//
//	cfg, _ := process.Reexec("calibration", nil, "BENCHRIG_SERVER="+addr)
//	cfg.Exceptions = client
//	child := process.New(cfg)
//	if err := child.Start(ctx); err != nil {
//	    return err
//	}
//	err := child.Join(ctx) // *ChildError carrying the child's message on failure
//
// A child that fails stores a serializable envelope (kind, message, trace)
// on the shared memory server under its pid, then exits non-zero. Join reads
// it back. If the child was killed before reporting, or the server is
// unreachable, Join still fails, with a generic error naming the process and
// its exit status.
//
// Termination is two-stage: Terminate sends SIGTERM to the child's process
// group, which cancels the body's context; Stop follows up with SIGKILL once
// the grace period runs out.
package process
