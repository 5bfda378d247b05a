package registry

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/costscope/webhookd/internal/domain"
	"github.com/google/uuid"
)

// wildcard matches every event type.
const wildcard = "*"

// CreateRequest carries the fields a collaborator supplies when
// registering a subscription.
type CreateRequest struct {
	DestinationURL string   `json:"destination_url"`
	EventTypes     []string `json:"event_types"`
	Secret         string   `json:"secret,omitempty"`
	TenantID       string   `json:"tenant_id,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
}

// Registry is the process-wide store of webhook subscriptions. It indexes
// active subscriptions by event type so matching an event costs O(subs
// registered for that type + wildcard subs), not O(everything ever created).
type Registry struct {
	mu                sync.RWMutex
	subs              map[string]*domain.Subscription
	byType            map[string]map[string]struct{} // event type -> subscription ids
	defaultMaxRetries int
	logger            *slog.Logger
}

// New creates an empty registry. defaultMaxRetries applies to
// subscriptions registered without their own retry limit.
func New(defaultMaxRetries int, logger *slog.Logger) *Registry {
	return &Registry{
		subs:              make(map[string]*domain.Subscription),
		byType:            make(map[string]map[string]struct{}),
		defaultMaxRetries: defaultMaxRetries,
		logger:            logger,
	}
}

// Create validates and registers a subscription. The destination must be
// an absolute http or https URL; an empty event-type set defaults to the
// wildcard. Fails with domain.ErrInvalidSubscription otherwise.
func (r *Registry) Create(req CreateRequest) (*domain.Subscription, error) {
	if err := validateDestination(req.DestinationURL); err != nil {
		return nil, err
	}

	eventTypes := req.EventTypes
	if len(eventTypes) == 0 {
		eventTypes = []string{wildcard}
	}
	for _, t := range eventTypes {
		if t == "" {
			return nil, fmt.Errorf("%w: empty event type", domain.ErrInvalidSubscription)
		}
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.defaultMaxRetries
	}

	sub := &domain.Subscription{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		DestinationURL: req.DestinationURL,
		EventTypes:     append([]string(nil), eventTypes...),
		Secret:         req.Secret,
		Active:         true,
		MaxRetries:     maxRetries,
		CreatedAt:      time.Now().UTC(),
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	for _, t := range sub.EventTypes {
		if r.byType[t] == nil {
			r.byType[t] = make(map[string]struct{})
		}
		r.byType[t][sub.ID] = struct{}{}
	}
	r.mu.Unlock()

	r.logger.Info("subscription registered",
		"subscription_id", sub.ID,
		"destination_url", sub.DestinationURL,
		"event_types", sub.EventTypes,
	)

	return sub.Clone(), nil
}

// Get returns a copy of the subscription or domain.ErrNotFound.
func (r *Registry) Get(id string) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sub.Clone(), nil
}

// List returns copies of all subscriptions, active or not. Inactive
// subscriptions are retained for audit.
func (r *Registry) List() []*domain.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.Clone())
	}
	return out
}

// Deactivate stops future dispatch to the subscription. Idempotent:
// deactivating an unknown or already-inactive id is a no-op.
func (r *Registry) Deactivate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.Active = false
	}
}

// Remove deletes the subscription entirely. Idempotent: removing a
// non-existent id is a no-op, which keeps concurrent cleanup races simple.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	for _, t := range sub.EventTypes {
		if ids := r.byType[t]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.byType, t)
			}
		}
	}
	delete(r.subs, id)
}

// FindMatching returns copies of all active subscriptions whose event-type
// set contains the literal type or the wildcard, optionally scoped to a
// tenant. A subscription with no tenant matches events from every tenant.
func (r *Registry) FindMatching(eventType, tenantID string) []*domain.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*domain.Subscription

	collect := func(ids map[string]struct{}) {
		for id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			sub := r.subs[id]
			if sub == nil || !sub.Active {
				continue
			}
			if sub.TenantID != "" && sub.TenantID != tenantID {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, sub.Clone())
		}
	}

	collect(r.byType[eventType])
	collect(r.byType[wildcard])

	return out
}

// RecordFailure increments the subscription's terminal-failure counter,
// used for health reporting. Past failures never suppress future dispatch.
func (r *Registry) RecordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.FailureCount++
	}
}

// RecordDelivery stamps the subscription's last successful delivery time.
func (r *Registry) RecordDelivery(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		t := at
		sub.LastDeliveryAt = &t
	}
}

func validateDestination(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: destination URL is required", domain.ErrInvalidSubscription)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSubscription, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: destination URL must be absolute", domain.ErrInvalidSubscription)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: destination URL scheme must be http or https", domain.ErrInvalidSubscription)
	}
	return nil
}
