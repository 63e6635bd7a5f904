package broker

import "time"

// Event types emitted during a run.
const (
	EventPipelineStarted     = "pipeline_started"
	EventPipelineCompleted   = "pipeline_completed"
	EventPipelineFailed      = "pipeline_failed"
	EventStepStarted         = "step_started"
	EventStepCompleted       = "step_completed"
	EventStepFailed          = "step_failed"
	EventStepSkipped         = "step_skipped"
	EventContextUnclassified = "context_unclassified"
)

type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Pipeline  string         `json:"pipeline"`
	Step      string         `json:"step,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher receives run lifecycle events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

func (b *Broker) publish(r *run, eventType, step string, data map[string]any) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(Event{
		Type:      eventType,
		RunID:     r.id,
		Pipeline:  r.pipeline.Name,
		Step:      step,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
