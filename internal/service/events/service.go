package events

import (
	"encoding/json"

	"log/slog"

	"github.com/mfehub/hub/internal/service/registry"
	"github.com/mfehub/hub/internal/ws"
)

// Service fans registry change events out to project event streams.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New returns an event stream service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

var _ registry.Publisher = Service{}

// Publish serializes the event and broadcasts it to the project's stream.
func (s Service) Publish(event registry.Event) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to encode event", "type", event.Type, "error", err)
		return
	}
	s.hub.Broadcast(event.ProjectID, payload)
}

// Hub exposes the underlying stream hub for subscription handling.
func (s Service) Hub() *ws.Hub {
	return s.hub
}
