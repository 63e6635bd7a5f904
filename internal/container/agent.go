package container

import (
	"context"
	"time"

	"github.com/mtzanidakis/saat/internal/agent"
)

// Agent runs every invocation in a new container.
type Agent struct {
	agent.Info
	mgr      *Manager
	spec     Spec
	timeout  time.Duration
	requires []string
}

func NewAgent(mgr *Manager, info agent.Info, spec Spec, timeout time.Duration, requires []string) *Agent {
	spec.Agent = info.AgentName
	return &Agent{Info: info, mgr: mgr, spec: spec, timeout: timeout, requires: requires}
}

func (a *Agent) Execute(ctx context.Context, task string, in agent.Input) (*agent.Result, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return a.mgr.Run(ctx, a.spec, Request{Agent: a.AgentName, Task: task, Input: in})
}

func (a *Agent) Validate(input map[string]any) agent.ValidationResult {
	return agent.RequireKeys(input, a.requires...)
}

func (a *Agent) Image() string { return a.spec.Image }
