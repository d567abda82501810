// Package safety provides the interlocks that gate and watch an experiment.
//
// A Test is a named check returning (passed, message). Before a worker is
// started every test runs once through CheckAll, and any failure blocks the
// run. While the worker runs, a Monitor re-runs the tests on each check
// interval and escalates only on two consecutive failures of the same test.
//
// Example usage:
//
//	mon := safety.NewMonitor(
//	    safety.DiskSpace("/data", 10<<30),
//	    safety.Func("laser interlock", func(ctx context.Context) (bool, string) {
//	        return interlockClosed(), "door sensor"
//	    }),
//	)
//
//	if v := mon.RunAll(ctx); v.Fatal {
//	    return v.Err(safety.PhaseEscalation)
//	}
package safety
