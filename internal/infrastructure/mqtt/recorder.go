package mqtt

import (
	"context"
	"time"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/safety"
)

// Publisher is the part of Client that EventRecorder uses.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// SafetyEvent is the payload of an experiment safety topic.
type SafetyEvent struct {
	RunID     string         `json:"run_id"`
	State     string         `json:"state"`
	Verdict   safety.Verdict `json:"verdict"`
	Failing   []string       `json:"failing,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventRecorder publishes run transitions and safety verdicts as retained
// JSON so that dashboards joining late see the current state.
type EventRecorder struct {
	pub    Publisher
	topics Topics
	now    func() time.Time
}

var _ experiment.Recorder = (*EventRecorder)(nil)

// NewEventRecorder returns a recorder that publishes through pub.
func NewEventRecorder(pub Publisher) *EventRecorder {
	return &EventRecorder{pub: pub, now: time.Now}
}

// StateChanged publishes run on the experiment state topic.
func (r *EventRecorder) StateChanged(_ context.Context, run experiment.Run) error {
	return r.pub.PublishJSON(r.topics.ExperimentState(run.Experiment), run)
}

// SafetyChecked publishes verdict on the experiment safety topic.
func (r *EventRecorder) SafetyChecked(_ context.Context, run experiment.Run, verdict safety.Verdict) error {
	return r.pub.PublishJSON(r.topics.ExperimentSafety(run.Experiment), SafetyEvent{
		RunID:     run.ID,
		State:     string(run.State),
		Verdict:   verdict,
		Failing:   verdict.Failing(),
		Timestamp: r.now().UTC(),
	})
}
