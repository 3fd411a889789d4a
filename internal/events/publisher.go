package events

import (
	"github.com/idbugm99/musenest-sub001/internal/types"
)

// Publisher delivers pipeline progress events to interested listeners.
type Publisher interface {
	PublishBatchProgress(ownerID string, progress *types.BatchProgressEvent)
	PublishBatchCompleted(ownerID string, completed *types.BatchCompletedEvent, failed bool)
	PublishMediaModerated(moderated *types.MediaModeratedEvent)
}

// WebSocketHub is the subset of the hub the publisher needs.
type WebSocketHub interface {
	BroadcastToOwner(ownerID string, event *types.Event)
	IsOwnerConnected(ownerID string) bool
}

// EventPublisher pushes events to connected admin clients over the
// WebSocket hub. Delivery is best-effort: nothing in the pipeline blocks
// on a listener.
type EventPublisher struct {
	hub WebSocketHub
}

func NewEventPublisher(hub WebSocketHub) *EventPublisher {
	return &EventPublisher{hub: hub}
}

// PublishBatchProgress emits one per-item progress event for a running
// batch job.
func (p *EventPublisher) PublishBatchProgress(ownerID string, progress *types.BatchProgressEvent) {
	if !p.hub.IsOwnerConnected(ownerID) {
		return
	}
	p.hub.BroadcastToOwner(ownerID, types.NewEvent(types.EventBatchProgress, progress))
}

// PublishBatchCompleted emits the terminal event for a batch job.
func (p *EventPublisher) PublishBatchCompleted(ownerID string, completed *types.BatchCompletedEvent, failed bool) {
	if !p.hub.IsOwnerConnected(ownerID) {
		return
	}
	eventType := types.EventBatchCompleted
	if failed {
		eventType = types.EventBatchFailed
	}
	p.hub.BroadcastToOwner(ownerID, types.NewEvent(eventType, completed))
}

// PublishMediaModerated notifies an owner that a callback settled one of
// their items.
func (p *EventPublisher) PublishMediaModerated(moderated *types.MediaModeratedEvent) {
	if !p.hub.IsOwnerConnected(moderated.OwnerID) {
		return
	}
	p.hub.BroadcastToOwner(moderated.OwnerID, types.NewEvent(types.EventMediaModerated, moderated))
}

// NopPublisher drops all events. Used by the maintenance worker and in
// tests.
type NopPublisher struct{}

func (NopPublisher) PublishBatchProgress(string, *types.BatchProgressEvent)        {}
func (NopPublisher) PublishBatchCompleted(string, *types.BatchCompletedEvent, bool) {}
func (NopPublisher) PublishMediaModerated(*types.MediaModeratedEvent)              {}
