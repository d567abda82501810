package influxdb

import (
	"context"
	"errors"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/safety"
)

// Measurement names.
const (
	MeasurementRunState    = "run_state"
	MeasurementSafetyCheck = "safety_check"
)

// PointWriter is the part of Client that Recorder uses.
type PointWriter interface {
	WritePoint(p *write.Point) error
}

// Recorder writes run transitions and safety results as points.
//
// Every transition becomes one run_state point and every safety round one
// safety_check point per test, tagged by experiment and test so a dashboard
// can chart how often each interlock trips.
type Recorder struct {
	w   PointWriter
	now func() time.Time
}

var _ experiment.Recorder = (*Recorder)(nil)

// NewRecorder returns a Recorder writing through w.
func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

// StateChanged writes a run_state point.
func (r *Recorder) StateChanged(_ context.Context, run experiment.Run) error {
	return r.w.WritePoint(statePoint(run, r.now()))
}

// SafetyChecked writes a safety_check point per result.
func (r *Recorder) SafetyChecked(_ context.Context, run experiment.Run, verdict safety.Verdict) error {
	at := r.now()
	var errs []error
	for _, res := range verdict.Results {
		if err := r.w.WritePoint(checkPoint(run, verdict.Round, res, at)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func statePoint(run experiment.Run, at time.Time) *write.Point {
	fields := map[string]any{
		"run_id":   run.ID,
		"pid":      int64(run.PID),
		"terminal": run.State.Terminal(),
	}
	if run.Error != "" {
		fields["error"] = run.Error
	}
	return write.NewPoint(MeasurementRunState,
		map[string]string{
			"experiment": run.Experiment,
			"state":      string(run.State),
		},
		fields, at)
}

func checkPoint(run experiment.Run, round int, res safety.Result, at time.Time) *write.Point {
	fields := map[string]any{
		"run_id":  run.ID,
		"round":   int64(round),
		"passed":  res.Passed,
		"warning": res.Warning,
		"fatal":   res.Fatal,
	}
	if res.Message != "" {
		fields["message"] = res.Message
	}
	return write.NewPoint(MeasurementSafetyCheck,
		map[string]string{
			"experiment": run.Experiment,
			"test":       res.Name,
		},
		fields, at)
}
