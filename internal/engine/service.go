package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/costscope/webhookd/internal/domain"
	"github.com/costscope/webhookd/internal/ledger"
	"github.com/costscope/webhookd/internal/notify"
	"github.com/costscope/webhookd/internal/queue"
	"github.com/costscope/webhookd/internal/registry"
	"github.com/costscope/webhookd/internal/signature"
	"github.com/google/uuid"
)

// maxResponseBytes caps how much of a receiver's response body is kept.
const maxResponseBytes = 1024

// Config tunes the delivery engine.
type Config struct {
	DeliveryTimeout   time.Duration
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	DefaultMaxRetries int
	Workers           int
	RetryTick         time.Duration
	UserAgent         string
}

func (c Config) withDefaults() Config {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 5
	}
	if c.Workers <= 0 {
		c.Workers = 50
	}
	if c.RetryTick <= 0 {
		c.RetryTick = time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "costscope-Webhook/1.0.0"
	}
	return c
}

// Archive durably records terminal delivery outcomes. Optional.
type Archive interface {
	RecordDelivery(ctx context.Context, d *domain.Delivery) error
}

// Notifier receives delivery-outcome notifications. Optional.
type Notifier interface {
	DeliveryOutcome(o notify.Outcome)
}

// EmitOptions carries optional provenance metadata for an emitted event.
type EmitOptions struct {
	TenantID string
	Source   string
}

// Service is the collaborator-facing entry point of the webhook delivery
// subsystem: it fans emitted events out to matching subscriptions, runs
// the per-delivery attempt state machine, and schedules retries.
type Service struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	retries  queue.RetryQueue
	signer   *signature.Signer

	httpClient *http.Client
	pool       *Pool
	scheduler  *Scheduler
	backoff    Backoff

	archive  Archive
	notifier Notifier

	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// NewService wires the engine together. Optional collaborators (archive,
// notifier, clock) are attached with the With* methods before Start.
func NewService(reg *registry.Registry, led *ledger.Ledger, retries queue.RetryQueue, signer *signature.Signer, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()

	s := &Service{
		registry: reg,
		ledger:   led,
		retries:  retries,
		signer:   signer,
		httpClient: &http.Client{
			Timeout: cfg.DeliveryTimeout,
		},
		backoff: Backoff{
			Base:   cfg.BaseRetryDelay,
			Max:    cfg.MaxRetryDelay,
			Factor: 2.0,
		},
		cfg:    cfg,
		clock:  time.Now,
		logger: logger,
	}

	s.pool = NewPool(cfg.Workers, s.attempt, logger)
	s.scheduler = NewScheduler(retries, func(id string) { s.pool.Submit(id) }, cfg.RetryTick, nil, logger)
	return s
}

// WithArchive attaches a durable sink for terminal delivery outcomes.
func (s *Service) WithArchive(a Archive) *Service {
	s.archive = a
	return s
}

// WithNotifier attaches a delivery-outcome notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock injects a time source. Tests use this to control backoff
// arithmetic deterministically.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	s.scheduler.clock = clock
	return s
}

// Start launches the worker pool and retry scheduler.
func (s *Service) Start(ctx context.Context) {
	s.pool.Start(ctx)
	s.scheduler.Start(ctx)
}

// Shutdown stops the retry scheduler and gives in-flight attempts until
// the context deadline to finish. Outstanding retries are abandoned, not
// persisted, unless a durable retry queue is configured.
func (s *Service) Shutdown(ctx context.Context) {
	s.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		s.pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("delivery engine drained")
	case <-ctx.Done():
		s.logger.Warn("shutdown grace period expired with attempts in flight")
	}
}

// RegisterSubscription validates and registers a webhook subscription.
// This is the one operation whose errors surface synchronously.
func (s *Service) RegisterSubscription(req registry.CreateRequest) (*domain.Subscription, error) {
	return s.registry.Create(req)
}

// Emit is the sole entry point collaborators use to trigger fan-out. It
// constructs the event, creates one pending delivery per matching active
// subscription and returns them immediately — it never waits on delivery
// outcomes.
func (s *Service) Emit(ctx context.Context, eventType string, payload json.RawMessage, opts EmitOptions) ([]*domain.Delivery, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("payload must be valid JSON")
	}

	event := domain.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Payload:       append(json.RawMessage(nil), payload...),
		OccurredAt:    s.clock().UTC(),
		TenantID:      opts.TenantID,
		Source:        opts.Source,
		SchemaVersion: "1",
	}

	return s.Dispatch(ctx, event), nil
}

// Dispatch fans an event out to every matching active subscription.
// Failure of past deliveries never suppresses new dispatch; subscription
// health is surfaced through the failure counter instead.
func (s *Service) Dispatch(ctx context.Context, event domain.Event) []*domain.Delivery {
	subs := s.registry.FindMatching(event.Type, event.TenantID)
	if len(subs) == 0 {
		s.logger.Info("no matching subscriptions",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		return nil
	}

	deliveries := make([]*domain.Delivery, 0, len(subs))
	for _, sub := range subs {
		maxRetries := sub.MaxRetries
		if maxRetries <= 0 {
			maxRetries = s.cfg.DefaultMaxRetries
		}

		d := &domain.Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			Event:          event.Clone(),
			Status:         domain.StatusPending,
			MaxRetries:     maxRetries,
			CreatedAt:      s.clock().UTC(),
		}

		s.ledger.Add(d)
		s.pool.Submit(d.ID)
		deliveries = append(deliveries, d)
	}

	s.logger.Info("fan-out complete",
		"event_id", event.ID,
		"event_type", event.Type,
		"deliveries_created", len(deliveries),
	)

	return deliveries
}

// Replay resets a non-delivered record to pending and triggers a fresh
// attempt series. Fails with domain.ErrAlreadyDelivered on delivered
// records.
func (s *Service) Replay(ctx context.Context, deliveryID string) (*domain.Delivery, error) {
	d, err := s.ledger.Replay(deliveryID)
	if err != nil {
		return nil, err
	}

	if err := s.retries.Remove(ctx, deliveryID); err != nil {
		s.logger.Error("failed to remove replayed delivery from retry queue",
			"delivery_id", deliveryID,
			"error", err,
		)
	}

	s.pool.Submit(d.ID)
	return d, nil
}

// Stats returns aggregate delivery counts for dashboards.
func (s *Service) Stats() ledger.Stats {
	return s.ledger.Stats()
}

// wirePayload is the canonical JSON body POSTed to receivers. The
// signature is computed over these exact bytes.
type wirePayload struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Source        string          `json:"source,omitempty"`
	SchemaVersion string          `json:"schema_version"`
}

// attempt runs one pass of the delivery state machine for the given id.
// The ledger's in-flight claim guarantees attempt N+1 never starts before
// attempt N has recorded its outcome.
func (s *Service) attempt(ctx context.Context, deliveryID string) {
	snap, err := s.ledger.BeginAttempt(deliveryID)
	if err != nil {
		s.logger.Warn("skipping delivery attempt",
			"delivery_id", deliveryID,
			"error", err,
		)
		return
	}

	sub, err := s.registry.Get(snap.SubscriptionID)
	if err != nil {
		s.fail(ctx, snap, nil, "subscription no longer exists")
		return
	}

	body, err := json.Marshal(wirePayload{
		ID:            snap.Event.ID,
		Type:          snap.Event.Type,
		Payload:       snap.Event.Payload,
		OccurredAt:    snap.Event.OccurredAt,
		TenantID:      snap.Event.TenantID,
		Source:        snap.Event.Source,
		SchemaVersion: snap.Event.SchemaVersion,
	})
	if err != nil {
		s.fail(ctx, snap, nil, fmt.Sprintf("encoding payload: %v", err))
		return
	}

	resp, errMsg := s.send(ctx, snap, sub, body)

	switch {
	case errMsg == "" && resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.succeed(ctx, snap, resp)

	case errMsg != "" || resp.StatusCode >= 500:
		// Network failures, timeouts and 5xx are plausibly transient.
		if errMsg == "" {
			errMsg = fmt.Sprintf("receiver returned %d", resp.StatusCode)
		}
		if snap.Attempts < snap.MaxRetries {
			s.retry(ctx, snap, resp, errMsg)
		} else {
			s.fail(ctx, snap, resp, fmt.Sprintf("retry budget exhausted after %d attempts: %s", snap.Attempts, errMsg))
		}

	default:
		// A 4xx means the receiver rejected the payload; retrying would
		// burn the budget on an error that will never self-heal.
		s.fail(ctx, snap, resp, fmt.Sprintf("receiver rejected delivery with %d", resp.StatusCode))
	}
}

// send builds the signed request and executes it. Returns the response
// info, or an error message for network-level failures.
func (s *Service) send(ctx context.Context, d *domain.Delivery, sub *domain.Subscription, body []byte) (*domain.ResponseInfo, string) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.DestinationURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Sprintf("building request: %v", err)
	}

	sig := s.signer.Sign(body, sub.Secret)

	// The per-attempt id is distinct from the delivery's own id;
	// receivers use it for idempotency.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(s.clock().UnixMilli(), 10))
	req.Header.Set("X-Webhook-ID", uuid.NewString())
	req.Header.Set("X-Webhook-Event", d.Event.Type)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(d.Attempts))
	req.Header.Set("X-Webhook-Signature", sig)
	req.Header.Set("X-Webhook-Signature-256", signature.Prefix+sig)

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &domain.ResponseInfo{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		DurationMs: elapsed,
		Headers:    headers,
	}, ""
}

func (s *Service) succeed(ctx context.Context, snap *domain.Delivery, resp *domain.ResponseInfo) {
	d, err := s.ledger.RecordDelivered(snap.ID, resp)
	if err != nil {
		s.logger.Error("failed to record delivery success", "delivery_id", snap.ID, "error", err)
		return
	}
	s.registry.RecordDelivery(snap.SubscriptionID, s.clock().UTC())

	s.logger.Info("delivery successful",
		"delivery_id", d.ID,
		"subscription_id", d.SubscriptionID,
		"event_type", d.Event.Type,
		"attempt", d.Attempts,
		"status_code", resp.StatusCode,
		"response_time_ms", resp.DurationMs,
	)

	s.emitOutcome(notify.KindDelivered, d)
	s.archiveTerminal(ctx, d)
}

func (s *Service) retry(ctx context.Context, snap *domain.Delivery, resp *domain.ResponseInfo, errMsg string) {
	nextRetryAt := s.clock().Add(s.backoff.Delay(snap.Attempts))

	d, err := s.ledger.RecordRetry(snap.ID, resp, errMsg, nextRetryAt)
	if err != nil {
		s.logger.Error("failed to record retry", "delivery_id", snap.ID, "error", err)
		return
	}

	// The outcome is recorded before the id goes back into the queue, so
	// the next attempt can never observe this one mid-flight.
	if err := s.retries.Enqueue(ctx, d.ID, nextRetryAt); err != nil {
		s.logger.Error("failed to enqueue retry", "delivery_id", d.ID, "error", err)
		return
	}
	s.scheduler.Wake()

	s.logger.Warn("delivery failed, retry scheduled",
		"delivery_id", d.ID,
		"subscription_id", d.SubscriptionID,
		"attempt", d.Attempts,
		"max_retries", d.MaxRetries,
		"next_retry_at", nextRetryAt,
		"error", errMsg,
	)

	s.emitOutcome(notify.KindRetrying, d)
}

func (s *Service) fail(ctx context.Context, snap *domain.Delivery, resp *domain.ResponseInfo, errMsg string) {
	d, err := s.ledger.RecordFailed(snap.ID, resp, errMsg)
	if err != nil {
		s.logger.Error("failed to record delivery failure", "delivery_id", snap.ID, "error", err)
		return
	}
	s.registry.RecordFailure(snap.SubscriptionID)

	s.logger.Warn("delivery failed terminally",
		"delivery_id", d.ID,
		"subscription_id", d.SubscriptionID,
		"event_type", d.Event.Type,
		"attempt", d.Attempts,
		"error", errMsg,
	)

	s.emitOutcome(notify.KindFailed, d)
	s.archiveTerminal(ctx, d)
}

func (s *Service) emitOutcome(kind string, d *domain.Delivery) {
	if s.notifier == nil {
		return
	}

	o := notify.Outcome{
		Kind:           kind,
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		EventID:        d.Event.ID,
		EventType:      d.Event.Type,
		Attempt:        d.Attempts,
		Error:          d.LastError,
		NextRetryAt:    d.NextRetryAt,
		Timestamp:      s.clock().UTC(),
	}
	if d.LastResponse != nil {
		code := d.LastResponse.StatusCode
		o.StatusCode = &code
		o.DurationMs = d.LastResponse.DurationMs
	}

	s.notifier.DeliveryOutcome(o)
}

func (s *Service) archiveTerminal(ctx context.Context, d *domain.Delivery) {
	if s.archive == nil {
		return
	}
	if err := s.archive.RecordDelivery(ctx, d); err != nil {
		s.logger.Error("failed to archive delivery outcome",
			"delivery_id", d.ID,
			"error", err,
		)
	}
}
