package natsbus

import (
	"log/slog"

	"github.com/mtzanidakis/saat/internal/broker"
)

// EventPublisher forwards broker run events to events.pipeline.<run id>.
type EventPublisher struct {
	client *Client
}

func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

func (p *EventPublisher) Publish(e broker.Event) {
	if err := p.client.PublishJSON(TopicEventsPipeline(e.RunID), e); err != nil {
		slog.Warn("publish pipeline event failed", "type", e.Type, "run", e.RunID, "error", err)
	}
}
