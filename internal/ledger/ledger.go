package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/costscope/webhookd/internal/domain"
)

// Filter narrows a List call. Zero values mean "no constraint".
type Filter struct {
	Status   domain.DeliveryStatus
	TenantID string
	Since    time.Time
	Limit    int
}

// Stats aggregates delivery counts for operational dashboards.
type Stats struct {
	Total             int     `json:"total"`
	Delivered         int     `json:"delivered"`
	Failed            int     `json:"failed"`
	Pending           int     `json:"pending"`
	Retrying          int     `json:"retrying"`
	AvgDeliveryTimeMs float64 `json:"avg_delivery_time_ms"`
	FailureRate       float64 `json:"failure_rate"`
}

// Ledger exclusively owns all delivery records. Every mutation of a
// record's state goes through the ledger under its lock; the retry queue
// only ever holds delivery ids, never a second copy of mutable state.
//
// The ledger also enforces the one ordering invariant of the subsystem:
// at most one attempt is in flight per delivery. BeginAttempt refuses a
// second concurrent attempt, and the in-flight mark is only cleared when
// the attempt's outcome is recorded.
type Ledger struct {
	mu         sync.Mutex
	deliveries map[string]*domain.Delivery
	inFlight   map[string]struct{}
	clock      func() time.Time
}

// New creates an empty ledger. clock may be nil, in which case time.Now
// is used; tests inject a fake to simulate elapsed time.
func New(clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		deliveries: make(map[string]*domain.Delivery),
		inFlight:   make(map[string]struct{}),
		clock:      clock,
	}
}

// Add records a newly dispatched delivery.
func (l *Ledger) Add(d *domain.Delivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliveries[d.ID] = d.Clone()
}

// Get returns a copy of the delivery or domain.ErrNotFound.
func (l *Ledger) Get(id string) (*domain.Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d.Clone(), nil
}

// List returns copies of deliveries matching the filter, newest first.
func (l *Ledger) List(f Filter) []*domain.Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*domain.Delivery
	for _, d := range l.deliveries {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.TenantID != "" && d.Event.TenantID != f.TenantID {
			continue
		}
		if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, d.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// BeginAttempt claims the delivery for one send attempt. It increments
// the attempt counter, moves a re-attempted delivery to retrying, and
// returns a snapshot for the engine to work from. Fails if the delivery
// is unknown, terminal, or already has an attempt in flight.
func (l *Ledger) BeginAttempt(id string) (*domain.Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if d.Status.Terminal() {
		return nil, fmt.Errorf("delivery %s is terminal (%s)", id, d.Status)
	}
	if _, busy := l.inFlight[id]; busy {
		return nil, domain.ErrAttemptInFlight
	}

	d.Attempts++
	if d.Attempts > 1 {
		d.Status = domain.StatusRetrying
	}
	d.NextRetryAt = nil
	l.inFlight[id] = struct{}{}

	return d.Clone(), nil
}

// RecordDelivered finalizes a successful attempt.
func (l *Ledger) RecordDelivered(id string, resp *domain.ResponseInfo) (*domain.Delivery, error) {
	return l.finish(id, func(d *domain.Delivery) {
		now := l.clock()
		d.Status = domain.StatusDelivered
		d.LastResponse = resp
		d.LastError = ""
		d.DeliveredAt = &now
	})
}

// RecordRetry finalizes a transiently failed attempt and arms the next
// one. The caller enqueues the delivery id into the retry queue after
// this returns, so the outcome is always recorded before a re-attempt
// can start.
func (l *Ledger) RecordRetry(id string, resp *domain.ResponseInfo, errMsg string, nextRetryAt time.Time) (*domain.Delivery, error) {
	return l.finish(id, func(d *domain.Delivery) {
		d.Status = domain.StatusRetrying
		d.LastResponse = resp
		d.LastError = errMsg
		t := nextRetryAt
		d.NextRetryAt = &t
	})
}

// RecordFailed finalizes a terminally failed attempt, whether the retry
// budget ran out or the receiver rejected the payload outright.
func (l *Ledger) RecordFailed(id string, resp *domain.ResponseInfo, errMsg string) (*domain.Delivery, error) {
	return l.finish(id, func(d *domain.Delivery) {
		now := l.clock()
		d.Status = domain.StatusFailed
		d.LastResponse = resp
		d.LastError = errMsg
		d.NextRetryAt = nil
		d.FailedAt = &now
	})
}

func (l *Ledger) finish(id string, apply func(*domain.Delivery)) (*domain.Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	apply(d)
	delete(l.inFlight, id)
	return d.Clone(), nil
}

// Replay resets a delivery for a fresh attempt series. Replaying a
// delivered record is refused with domain.ErrAlreadyDelivered; replaying
// one with an attempt in flight is refused to preserve attempt ordering.
func (l *Ledger) Replay(id string) (*domain.Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if d.Status == domain.StatusDelivered {
		return nil, domain.ErrAlreadyDelivered
	}
	if _, busy := l.inFlight[id]; busy {
		return nil, domain.ErrAttemptInFlight
	}

	d.Status = domain.StatusPending
	d.Attempts = 0
	d.LastError = ""
	d.NextRetryAt = nil
	d.FailedAt = nil

	return d.Clone(), nil
}

// PurgeOlderThan removes terminal records created before cutoff and
// returns how many were removed. Non-terminal records are never purged,
// regardless of age.
func (l *Ledger) PurgeOlderThan(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for id, d := range l.deliveries {
		if d.Status.Terminal() && d.CreatedAt.Before(cutoff) {
			delete(l.deliveries, id)
			count++
		}
	}
	return count
}

// Stats aggregates counts across all records. AvgDeliveryTimeMs averages
// the receiver response time of delivered records; FailureRate is the
// fraction of all deliveries that failed terminally.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s Stats
	var durationSum int64
	var durationCount int

	for _, d := range l.deliveries {
		s.Total++
		switch d.Status {
		case domain.StatusDelivered:
			s.Delivered++
			if d.LastResponse != nil {
				durationSum += d.LastResponse.DurationMs
				durationCount++
			}
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusPending:
			s.Pending++
		case domain.StatusRetrying:
			s.Retrying++
		}
	}

	if durationCount > 0 {
		s.AvgDeliveryTimeMs = float64(durationSum) / float64(durationCount)
	}
	if s.Total > 0 {
		s.FailureRate = float64(s.Failed) / float64(s.Total)
	}
	return s
}
