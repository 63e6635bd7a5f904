package agent

import "context"

// Static is an agent that always answers with the same payload. It backs
// config-defined placeholder agents and is handy in tests.
type Static struct {
	Info
	Data       any
	Confidence float64
	Requires   []string
}

func NewStatic(name, version string, data any) *Static {
	return &Static{
		Info:       Info{AgentName: name, AgentVersion: version},
		Data:       data,
		Confidence: 1,
	}
}

func (s *Static) Execute(ctx context.Context, task string, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Success:    true,
		Data:       s.Data,
		Confidence: s.Confidence,
		Metadata:   map[string]any{"task": task},
	}, nil
}

func (s *Static) Validate(input map[string]any) ValidationResult {
	return RequireKeys(input, s.Requires...)
}
