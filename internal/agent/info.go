package agent

import "slices"

// Info carries the descriptive half of the Agent interface and is meant to
// be embedded by concrete agents.
type Info struct {
	AgentName    string   `json:"name" yaml:"name"`
	AgentVersion string   `json:"version" yaml:"version"`
	Caps         []string `json:"capabilities" yaml:"capabilities"`
}

func (i Info) Name() string    { return i.AgentName }
func (i Info) Version() string { return i.AgentVersion }

func (i Info) Capabilities() []string {
	return slices.Clone(i.Caps)
}

// Describe returns the Info of any agent.
func Describe(a Agent) Info {
	return Info{AgentName: a.Name(), AgentVersion: a.Version(), Caps: a.Capabilities()}
}
