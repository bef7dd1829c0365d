package domain

import (
	"encoding/json"
	"time"
)

// ProjectEvent records one lifecycle or build event for a project. Events are
// broadcast to live subscribers and, when the persistent store is enabled,
// appended to the audit history.
type ProjectEvent struct {
	ID         string
	ProjectID  string
	EventType  string
	Level      string
	Message    string
	Metadata   json.RawMessage
	OccurredAt time.Time
}
