package domain

import "time"

// EventType tags lifecycle events emitted by the stream manager.
type EventType string

const (
	EventNodeUp        EventType = "Node.Up"
	EventNodeDown      EventType = "Node.Down"
	EventNodeKeepAlive EventType = "Node.KeepAlive"
	EventStreamUp      EventType = "Stream.StreamUp"
	EventStreamDown    EventType = "Stream.StreamDown"
	EventPublishUp     EventType = "Stream.PublishUp"
	EventPublishDown   EventType = "Stream.PublishDown"
	EventSubscribeUp   EventType = "Stream.SubscribeUp"
	EventSubscribeDown EventType = "Stream.SubscribeDown"
	EventReforwardUp   EventType = "Stream.ReforwardUp"
	EventReforwardDown EventType = "Stream.ReforwardDown"
)

// Event is one lifecycle transition of a stream or session, carrying a
// snapshot taken at emission time. Emission for a single stream is totally
// ordered.
type Event struct {
	Type      EventType       `json:"type"`
	StreamID  StreamID        `json:"streamId,omitempty"`
	SessionID SessionID       `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  *StreamSnapshot `json:"snapshot,omitempty"`
}
