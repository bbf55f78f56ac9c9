package api

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// EventPublisher fans engine milestones out to the dashboard stream. It is
// handed to the positioning and verification components as their Events
// sink.
type EventPublisher struct {
	hub *Hub
}

func NewEventPublisher(hub *Hub) *EventPublisher {
	return &EventPublisher{hub: hub}
}

// Publish broadcasts one event envelope. Marshal failures are logged, never
// propagated; a dead dashboard must not affect the engines.
func (p *EventPublisher) Publish(eventType string, payload any) {
	if p == nil || p.hub == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"id":        uuid.NewString(),
		"type":      eventType,
		"timestamp": time.Now().UTC(),
		"payload":   payload,
	})
	if err != nil {
		log.Printf("[Events] Failed to marshal %s event: %v", eventType, err)
		return
	}
	p.hub.Broadcast(data)
}
