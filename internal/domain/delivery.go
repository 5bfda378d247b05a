package domain

import "time"

// DeliveryStatus is the lifecycle state of a delivery.
//
// pending and retrying are the only non-terminal states. Once a delivery
// reaches delivered or failed it never transitions again; re-delivery of a
// failed record requires an explicit replay, which resets it to pending.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further automatic transition can occur.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// ResponseInfo captures the receiver's last response for diagnosis.
// The body is truncated to 1KB before it gets here.
type ResponseInfo struct {
	StatusCode int               `json:"status_code"`
	Body       string            `json:"body,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Delivery tracks the full attempt series for one (event, subscription)
// pair. MaxRetries is copied from the subscription at dispatch time so a
// later policy change never affects in-flight deliveries.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	Event          Event          `json:"event"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxRetries     int            `json:"max_retries"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	LastResponse   *ResponseInfo  `json:"last_response,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	FailedAt       *time.Time     `json:"failed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (d *Delivery) Clone() *Delivery {
	c := *d
	c.Event = d.Event.Clone()
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		c.NextRetryAt = &t
	}
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		c.DeliveredAt = &t
	}
	if d.FailedAt != nil {
		t := *d.FailedAt
		c.FailedAt = &t
	}
	if d.LastResponse != nil {
		r := *d.LastResponse
		if d.LastResponse.Headers != nil {
			r.Headers = make(map[string]string, len(d.LastResponse.Headers))
			for k, v := range d.LastResponse.Headers {
				r.Headers[k] = v
			}
		}
		c.LastResponse = &r
	}
	return &c
}
