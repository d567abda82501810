package mqtt

import "fmt"

// Topic roots.
const (
	TopicPrefixExperiment = "benchrig/experiment"
	TopicPrefixSystem     = "benchrig/system"
)

// Topics builds benchrig topic names.
//
//	topics := mqtt.Topics{}
//	topics.ExperimentState("focus-scan")
//	// Returns: "benchrig/experiment/focus-scan/state"
type Topics struct{}

// ExperimentState carries the latest experiment.Run of an experiment.
func (Topics) ExperimentState(name string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixExperiment, name)
}

// ExperimentSafety carries the latest safety verdict of an experiment.
func (Topics) ExperimentSafety(name string) string {
	return fmt.Sprintf("%s/%s/safety", TopicPrefixExperiment, name)
}

// SystemStatus carries the online/offline status and the Last Will.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllExperimentStates matches the state topic of every experiment.
func (Topics) AllExperimentStates() string {
	return TopicPrefixExperiment + "/+/state"
}

// AllExperimentEvents matches every experiment topic.
func (Topics) AllExperimentEvents() string {
	return TopicPrefixExperiment + "/#"
}
