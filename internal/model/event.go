package model

import (
	"encoding/json"
	"time"
)

// EventType names a push event. The set is shared by the reference server
// (which emits) and the dispatcher (which routes).
type EventType string

const (
	EventTaskCreated          EventType = "TASK_CREATED"
	EventTaskUpdated          EventType = "TASK_UPDATED"
	EventTaskDeleted          EventType = "TASK_DELETED"
	EventProjectCreated       EventType = "PROJECT_CREATED"
	EventProjectUpdated       EventType = "PROJECT_UPDATED"
	EventProjectDeleted       EventType = "PROJECT_DELETED"
	EventNotificationReceived EventType = "NOTIFICATION_RECEIVED"
	EventNotificationUpdated  EventType = "NOTIFICATION_UPDATED"
	EventNotificationDeleted  EventType = "NOTIFICATION_DELETED"
)

// Envelope is the wire form of every push frame.
type Envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeletedRef is the payload of *_DELETED events.
type DeletedRef struct {
	ID string `json:"id"`
}

// EventFor returns the event type announcing a write of kind. deleted selects
// the *_DELETED variant; created selects the creation variant.
func EventFor(kind Kind, created, deleted bool) EventType {
	switch kind {
	case KindTask:
		switch {
		case deleted:
			return EventTaskDeleted
		case created:
			return EventTaskCreated
		default:
			return EventTaskUpdated
		}
	case KindProject:
		switch {
		case deleted:
			return EventProjectDeleted
		case created:
			return EventProjectCreated
		default:
			return EventProjectUpdated
		}
	case KindNotification:
		switch {
		case deleted:
			return EventNotificationDeleted
		case created:
			return EventNotificationReceived
		default:
			return EventNotificationUpdated
		}
	}
	return ""
}
