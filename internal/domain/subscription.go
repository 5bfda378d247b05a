package domain

import "time"

// Subscription is a registered interest in one or more event types, bound
// to a destination URL. The ID is immutable once assigned and EventTypes
// is never empty — it defaults to {"*"} at creation.
type Subscription struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id,omitempty"`
	DestinationURL string     `json:"destination_url"`
	EventTypes     []string   `json:"event_types"`
	Secret         string     `json:"secret,omitempty"`
	Active         bool       `json:"active"`
	FailureCount   int        `json:"failure_count"`
	MaxRetries     int        `json:"max_retries"`
	CreatedAt      time.Time  `json:"created_at"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`
}

// Matches reports whether the subscription covers the given event type.
// The literal "*" covers every event type.
func (s *Subscription) Matches(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand to callers.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.EventTypes = append([]string(nil), s.EventTypes...)
	if s.LastDeliveryAt != nil {
		t := *s.LastDeliveryAt
		c.LastDeliveryAt = &t
	}
	return &c
}
