// Package remote implements agents that live in another process and are
// reached over NATS request/reply.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/saat/internal/agent"
	"github.com/mtzanidakis/saat/internal/natsbus"
)

const validateTimeout = 5 * time.Second

type Agent struct {
	agent.Info
	client  *natsbus.Client
	subject string
	timeout time.Duration
}

// New returns an agent forwarding to subject, or to agent.<name>.execute
// when subject is empty. A zero timeout leaves the deadline to the caller's
// context.
func New(client *natsbus.Client, info agent.Info, subject string, timeout time.Duration) *Agent {
	if subject == "" {
		subject = natsbus.TopicAgentExecute(info.AgentName)
	}
	return &Agent{Info: info, client: client, subject: subject, timeout: timeout}
}

func (a *Agent) Subject() string { return a.subject }

func (a *Agent) Execute(ctx context.Context, task string, in agent.Input) (*agent.Result, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req := natsbus.AgentRequest{Task: task, Input: in}
	if dl, ok := ctx.Deadline(); ok {
		req.TimeoutMs = time.Until(dl).Milliseconds()
	}

	reply, err := a.request(ctx, a.subject, req)
	if err != nil {
		return nil, err
	}
	if reply.Result == nil {
		return nil, fmt.Errorf("agent %s: empty reply", a.AgentName)
	}
	return reply.Result, nil
}

// Validate asks the remote side to validate input. When the remote agent
// cannot be reached the input is reported invalid.
func (a *Agent) Validate(input map[string]any) agent.ValidationResult {
	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()

	reply, err := a.request(ctx, natsbus.TopicAgentValidate(a.AgentName), natsbus.AgentRequest{Validate: input})
	if err == nil && reply.Validation != nil {
		return *reply.Validation
	}
	if err == nil {
		err = errors.New("empty reply")
	}
	return agent.ValidationResult{
		Valid:    false,
		Score:    0,
		Errors:   []agent.Error{agent.NewError("REMOTE_UNAVAILABLE", err.Error(), a.AgentName)},
		Warnings: []agent.Error{},
	}
}

func (a *Agent) request(ctx context.Context, subject string, req natsbus.AgentRequest) (*natsbus.AgentReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := a.client.RequestContext(ctx, subject, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("agent %s: %w", a.AgentName, ctxErr)
		}
		return nil, fmt.Errorf("agent %s: request %s: %w", a.AgentName, subject, err)
	}

	var reply natsbus.AgentReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("agent %s: decode reply: %w", a.AgentName, err)
	}
	if reply.Error != "" {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("agent %s: %s: %w", a.AgentName, reply.Error, ctxErr)
		}
		return nil, fmt.Errorf("agent %s: %s", a.AgentName, reply.Error)
	}
	return &reply, nil
}
