package broker

import (
	"time"

	"github.com/mtzanidakis/saat/internal/agent"
)

type StepResult struct {
	Name     string        `json:"name"`
	Agent    string        `json:"agent"`
	Success  bool          `json:"success"`
	Data     any           `json:"data"`
	Duration time.Duration `json:"duration"`
	Error    *agent.Error  `json:"error,omitempty"`
}

type PipelineResult struct {
	RunID     string        `json:"run_id"`
	Pipeline  string        `json:"pipeline"`
	Success   bool          `json:"success"`
	Steps     []StepResult  `json:"steps"` // execution order
	Duration  time.Duration `json:"duration"`
	Errors    []agent.Error `json:"errors"`
	StartedAt time.Time     `json:"started_at"`
	Aborted   bool          `json:"aborted"`
}

// Step looks up a recorded step by name.
func (r *PipelineResult) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// StepNames returns the names of the recorded steps in execution order.
func (r *PipelineResult) StepNames() []string {
	names := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		names[i] = s.Name
	}
	return names
}
