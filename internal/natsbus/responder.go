package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/saat/internal/agent"
	"github.com/nats-io/nats.go"
)

// AgentRequest is the payload of an execute or validate request.
type AgentRequest struct {
	Task      string         `json:"task,omitempty"`
	Input     agent.Input    `json:"input"`
	Validate  map[string]any `json:"validate,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// AgentReply carries either a result or a transport-level error message.
type AgentReply struct {
	Result     *agent.Result           `json:"result,omitempty"`
	Validation *agent.ValidationResult `json:"validation,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// ServeAgent answers execute and validate requests for a on the agent's
// subjects. Call Unsubscribe on the returned subscriptions to stop serving.
func ServeAgent(client *Client, a agent.Agent) ([]*nats.Subscription, error) {
	execSub, err := client.Subscribe(TopicAgentExecute(a.Name()), func(msg *nats.Msg) {
		respond(msg, handleExecute(a, msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicAgentExecute(a.Name()), err)
	}

	valSub, err := client.Subscribe(TopicAgentValidate(a.Name()), func(msg *nats.Msg) {
		var req AgentRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(msg, AgentReply{Error: fmt.Sprintf("decode request: %v", err)})
			return
		}
		vr := a.Validate(req.Validate)
		respond(msg, AgentReply{Validation: &vr})
	})
	if err != nil {
		_ = execSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", TopicAgentValidate(a.Name()), err)
	}

	slog.Info("serving agent over nats", "agent", a.Name(), "subject", TopicAgentExecute(a.Name()))
	return []*nats.Subscription{execSub, valSub}, nil
}

func handleExecute(a agent.Agent, data []byte) (reply AgentReply) {
	var req AgentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return AgentReply{Error: fmt.Sprintf("decode request: %v", err)}
	}

	ctx := context.Background()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			reply = AgentReply{Error: fmt.Sprintf("agent %s panicked: %v", a.Name(), p)}
		}
	}()

	res, err := a.Execute(ctx, req.Task, req.Input)
	if err != nil {
		return AgentReply{Error: err.Error()}
	}
	return AgentReply{Result: res}
}

func respond(msg *nats.Msg, reply AgentReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		data, _ = json.Marshal(AgentReply{Error: fmt.Sprintf("marshal reply: %v", err)})
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("respond to agent request failed", "subject", msg.Subject, "error", err)
	}
}
