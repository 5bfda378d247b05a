package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable record of something that happened in the host
// application, e.g. "cost_analysis.completed". Deliveries hold their own
// copy of the event so later mutation of the source cannot corrupt
// delivery history.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Source        string          `json:"source,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
}

// Clone returns a deep copy, including the payload bytes.
func (e Event) Clone() Event {
	c := e
	if e.Payload != nil {
		c.Payload = make(json.RawMessage, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return c
}
