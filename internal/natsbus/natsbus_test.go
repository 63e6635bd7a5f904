package natsbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/saat/internal/agent"
	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/config"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) (*Bus, *Client) {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    -1, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return bus, client
}

func TestBusStartStop(t *testing.T) {
	bus, _ := startBus(t)

	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
	if bus.Port() <= 0 {
		t.Errorf("expected bound port, got %d", bus.Port())
	}
}

func TestPubSub(t *testing.T) {
	_, client := startBus(t)

	received := make(chan string, 1)
	_, err := client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishJSON(t *testing.T) {
	_, client := startBus(t)

	received := make(chan string, 1)
	_, err := client.Subscribe("test.json", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	payload := map[string]string{"key": "value"}
	if err := client.PublishJSON("test.json", payload); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestEventPublisher(t *testing.T) {
	_, client := startBus(t)

	received := make(chan broker.Event, 1)
	_, err := client.Subscribe(TopicEventsAll, func(msg *nats.Msg) {
		var e broker.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			t.Errorf("decode event: %v", err)
			return
		}
		if msg.Subject != "events.pipeline.run-1" {
			t.Errorf("unexpected subject %s", msg.Subject)
		}
		received <- e
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	NewEventPublisher(client).Publish(broker.Event{Type: broker.EventPipelineStarted, RunID: "run-1", Pipeline: "p"})
	client.Flush()

	select {
	case e := <-received:
		if e.Type != broker.EventPipelineStarted || e.Pipeline != "p" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

type panicky struct{ agent.Info }

func (panicky) Execute(context.Context, string, agent.Input) (*agent.Result, error) {
	panic("boom")
}

func (panicky) Validate(map[string]any) agent.ValidationResult { return agent.ValidationResult{Valid: true} }

func TestServeAgent(t *testing.T) {
	_, client := startBus(t)

	static := agent.NewStatic("discovery", "1.0.0", map[string]any{"technologies": []any{"Go"}})
	static.Requires = []string{"path"}
	subs, err := ServeAgent(client, static)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	data, _ := json.Marshal(AgentRequest{Task: "scan"})
	msg, err := client.Request(TopicAgentExecute("discovery"), data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply AgentReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error != "" || reply.Result == nil || !reply.Result.Success {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Result.Metadata["task"] != "scan" {
		t.Errorf("task not forwarded: %v", reply.Result.Metadata)
	}

	data, _ = json.Marshal(AgentRequest{Validate: map[string]any{}})
	msg, err = client.Request(TopicAgentValidate("discovery"), data, 2*time.Second)
	if err != nil {
		t.Fatalf("validate request: %v", err)
	}
	reply = AgentReply{}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Validation == nil || reply.Validation.Valid {
		t.Errorf("expected invalid validation, got %+v", reply.Validation)
	}
}

func TestServeAgentPanic(t *testing.T) {
	_, client := startBus(t)

	if _, err := ServeAgent(client, panicky{agent.Info{AgentName: "wild"}}); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(AgentRequest{Task: "x"})
	msg, err := client.Request(TopicAgentExecute("wild"), data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply AgentReply
	json.Unmarshal(msg.Data, &reply)
	if reply.Error == "" {
		t.Error("expected panic to be reported as error")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicAgentExecute("disc"); got != "agent.disc.execute" {
		t.Errorf("expected agent.disc.execute, got %s", got)
	}
	if got := TopicAgentValidate("disc"); got != "agent.disc.validate" {
		t.Errorf("expected agent.disc.validate, got %s", got)
	}
	if got := TopicEventsPipeline("r1"); got != "events.pipeline.r1" {
		t.Errorf("expected events.pipeline.r1, got %s", got)
	}
	if got := TopicEventsSchedule("s1"); got != "events.schedule.s1" {
		t.Errorf("expected events.schedule.s1, got %s", got)
	}
}
