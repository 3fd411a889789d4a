package types

import "time"

// EventType represents the type of real-time event
type EventType string

const (
	EventBatchProgress  EventType = "batch.progress"
	EventBatchCompleted EventType = "batch.completed"
	EventBatchFailed    EventType = "batch.failed"
	EventMediaModerated EventType = "media.moderated"
)

// Event represents a real-time event that can be sent over WebSocket
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// BatchProgressEvent is emitted after each processed batch item.
type BatchProgressEvent struct {
	JobID     string `json:"job_id"`
	Operation string `json:"operation"`
	ItemID    string `json:"item_id"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// BatchCompletedEvent is the terminal event for a batch job.
type BatchCompletedEvent struct {
	JobID     string `json:"job_id"`
	Operation string `json:"operation"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// MediaModeratedEvent is emitted when a webhook callback settles an
// item's moderation status.
type MediaModeratedEvent struct {
	MediaItemID string           `json:"media_item_id"`
	OwnerID     string           `json:"owner_id"`
	Status      ModerationStatus `json:"status"`
	Score       *float64         `json:"score,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, data interface{}) *Event {
	return &Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
