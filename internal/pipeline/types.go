package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/mtzanidakis/saat/internal/archctx"
)

// Mode selects how the broker schedules a pipeline's steps.
type Mode string

const (
	// ModeSequential runs steps one at a time in declared order.
	ModeSequential Mode = "sequential"
	// ModeTiered groups steps into dependency tiers and runs each tier
	// concurrently.
	ModeTiered Mode = "tiered"
)

type Pipeline struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description"`
	Mode        Mode   `json:"mode,omitempty" yaml:"mode"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

type Step struct {
	Name        string         `json:"name" yaml:"name"`
	Agent       string         `json:"agent" yaml:"agent"`
	Task        string         `json:"task" yaml:"task"`
	Required    bool           `json:"required" yaml:"required"`
	Constraints map[string]any `json:"constraints,omitempty" yaml:"constraints"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on"`
}

var (
	ErrNoName        = errors.New("pipeline name is required")
	ErrDuplicateStep = errors.New("duplicate step name")
)

// Validate checks the structural rules a pipeline must satisfy before it is
// registered.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return ErrNoName
	}
	switch p.Mode {
	case "", ModeSequential, ModeTiered:
	default:
		return fmt.Errorf("pipeline %s: unknown mode %q", p.Name, p.Mode)
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline %s: step %d has no name", p.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %s: %w %q", p.Name, ErrDuplicateStep, s.Name)
		}
		seen[s.Name] = true
		if s.Agent == "" {
			return fmt.Errorf("pipeline %s: step %q has no agent", p.Name, s.Name)
		}
	}

	if p.Mode == ModeTiered {
		if _, err := BuildPlan(p.Steps); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
	}
	return nil
}

// Clone returns a deep copy so registered pipelines cannot be changed
// through the caller's value.
func (p Pipeline) Clone() Pipeline {
	out := p
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.DependsOn = slices.Clone(s.DependsOn)
		if s.Constraints != nil {
			s.Constraints = archctx.Clone(s.Constraints).(map[string]any)
		}
		if s.Parameters != nil {
			s.Parameters = archctx.Clone(s.Parameters).(map[string]any)
		}
		out.Steps[i] = s
	}
	return out
}

// StepNames returns the step names in declared order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// Agents returns the distinct agent names referenced by the pipeline,
// sorted.
func (p *Pipeline) Agents() []string {
	set := make(map[string]bool)
	for _, s := range p.Steps {
		set[s.Agent] = true
	}
	return slices.Sorted(maps.Keys(set))
}
