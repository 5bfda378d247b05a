package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/costscope/webhookd/internal/domain"
	"github.com/costscope/webhookd/internal/ledger"
	"github.com/costscope/webhookd/internal/queue"
	"github.com/costscope/webhookd/internal/registry"
	"github.com/costscope/webhookd/internal/signature"
)

func testService(t *testing.T) (*Service, *registry.Registry, *ledger.Ledger) {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := registry.New(5, logger)
	led := ledger.New(nil)

	svc := NewService(reg, led, queue.NewMemory(), signature.New("test-default-secret", true), Config{
		DeliveryTimeout: 2 * time.Second,
		BaseRetryDelay:  20 * time.Millisecond,
		RetryTick:       10 * time.Millisecond,
		Workers:         4,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		svc.Shutdown(shutdownCtx)
		cancel()
	})

	return svc, reg, led
}

// waitForTerminal polls the ledger until the delivery reaches a terminal
// state or the deadline passes.
func waitForTerminal(t *testing.T, led *ledger.Ledger, id string, timeout time.Duration) *domain.Delivery {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d, err := led.Get(id)
		if err != nil {
			t.Fatalf("get delivery: %v", err)
		}
		if d.Status.Terminal() {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	d, _ := led.Get(id)
	t.Fatalf("delivery %s never reached a terminal state, stuck at %s after %d attempts", id, d.Status, d.Attempts)
	return nil
}

func TestEmit_SingleSubscriptionDelivered(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received"})
	}))
	defer server.Close()

	svc, _, led := testService(t)

	if _, err := svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"cost_analysis.completed"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	deliveries, err := svc.Emit(context.Background(), "cost_analysis.completed", json.RawMessage(`{"report":"q3"}`), EmitOptions{})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", len(deliveries))
	}

	d := waitForTerminal(t, led, deliveries[0].ID, 2*time.Second)
	if d.Status != domain.StatusDelivered {
		t.Errorf("status = %s, want delivered (%s)", d.Status, d.LastError)
	}
	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if d.DeliveredAt == nil {
		t.Error("delivered_at should be set")
	}
	if received.Load() != 1 {
		t.Errorf("endpoint received %d requests, want 1", received.Load())
	}
}

func TestEmit_RetriesUntilBudgetExhausted(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc, reg, led := testService(t)

	sub, _ := svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"cost_analysis.completed"},
		MaxRetries:     3,
	})

	deliveries, _ := svc.Emit(context.Background(), "cost_analysis.completed", json.RawMessage(`{}`), EmitOptions{})
	d := waitForTerminal(t, led, deliveries[0].ID, 5*time.Second)

	if d.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", d.Attempts)
	}
	if received.Load() != 3 {
		t.Errorf("endpoint received %d requests, want 3", received.Load())
	}
	if !strings.Contains(d.LastError, "retry budget exhausted") {
		t.Errorf("last error = %q", d.LastError)
	}

	got, _ := reg.Get(sub.ID)
	if got.FailureCount != 1 {
		t.Errorf("subscription failure count = %d, want 1", got.FailureCount)
	}
}

func TestEmit_4xxFailsImmediately(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	svc, _, led := testService(t)

	svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"cost_analysis.completed"},
		MaxRetries:     5,
	})

	deliveries, _ := svc.Emit(context.Background(), "cost_analysis.completed", json.RawMessage(`{}`), EmitOptions{})
	d := waitForTerminal(t, led, deliveries[0].ID, 2*time.Second)

	if d.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.Attempts != 1 {
		t.Errorf("4xx should not be retried: attempts = %d, want 1", d.Attempts)
	}
	if d.NextRetryAt != nil {
		t.Error("no retry should be scheduled after a 4xx")
	}

	// Give any stray retry a chance to fire before asserting.
	time.Sleep(100 * time.Millisecond)
	if received.Load() != 1 {
		t.Errorf("endpoint received %d requests, want 1", received.Load())
	}
}

func TestEmit_FanOutToMultipleSubscriptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, _, led := testService(t)

	exact, _ := svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"cost_analysis.completed"},
	})
	wild, _ := svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"*"},
	})

	deliveries, _ := svc.Emit(context.Background(), "cost_analysis.completed", json.RawMessage(`{}`), EmitOptions{})
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries (exact + wildcard), got %d", len(deliveries))
	}

	subIDs := map[string]bool{}
	for _, d := range deliveries {
		subIDs[d.SubscriptionID] = true
		final := waitForTerminal(t, led, d.ID, 2*time.Second)
		if final.Status != domain.StatusDelivered {
			t.Errorf("delivery %s: status = %s, want delivered", d.ID, final.Status)
		}
	}
	if !subIDs[exact.ID] || !subIDs[wild.ID] {
		t.Errorf("deliveries should cover both subscriptions, got %v", subIDs)
	}
}

func TestEmit_NoMatchCreatesNoDeliveries(t *testing.T) {
	svc, _, _ := testService(t)

	svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: "https://example.com/hook",
		EventTypes:     []string{"tenant.suspended"},
	})

	deliveries, err := svc.Emit(context.Background(), "cost_analysis.completed", json.RawMessage(`{}`), EmitOptions{})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(deliveries) != 0 {
		t.Errorf("expected no deliveries, got %d", len(deliveries))
	}
}

func TestDelivery_RequestShape(t *testing.T) {
	var headers http.Header
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		body = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, _, led := testService(t)

	secret := "sub-secret"
	svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"cost_analysis.completed"},
		Secret:         secret,
	})

	deliveries, _ := svc.Emit(context.Background(), "cost_analysis.completed", json.RawMessage(`{"report":"q3"}`), EmitOptions{
		TenantID: "tenant-a",
		Source:   "cost-analyzer",
	})
	waitForTerminal(t, led, deliveries[0].ID, 2*time.Second)

	if ct := headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ua := headers.Get("User-Agent"); !strings.Contains(ua, "Webhook/") {
		t.Errorf("User-Agent = %q", ua)
	}
	if headers.Get("X-Webhook-Timestamp") == "" {
		t.Error("X-Webhook-Timestamp should be set")
	}
	if headers.Get("X-Webhook-ID") == "" {
		t.Error("X-Webhook-ID should be set")
	}
	if headers.Get("X-Webhook-ID") == deliveries[0].ID {
		t.Error("per-attempt id should be distinct from the delivery id")
	}
	if headers.Get("X-Webhook-Attempt") != "1" {
		t.Errorf("X-Webhook-Attempt = %q, want 1", headers.Get("X-Webhook-Attempt"))
	}

	// Both signature forms cover the exact body bytes.
	signer := signature.New("", true)
	sig := headers.Get("X-Webhook-Signature")
	if !signer.Verify(body, sig, secret) {
		t.Error("X-Webhook-Signature does not verify against the body")
	}
	sig256 := headers.Get("X-Webhook-Signature-256")
	if !strings.HasPrefix(sig256, signature.Prefix) {
		t.Errorf("X-Webhook-Signature-256 = %q, want sha256= prefix", sig256)
	}
	if !signer.Verify(body, sig256, secret) {
		t.Error("X-Webhook-Signature-256 does not verify against the body")
	}

	// The body carries the canonical event fields.
	var wire map[string]interface{}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if wire["type"] != "cost_analysis.completed" {
		t.Errorf("body type = %v", wire["type"])
	}
	if wire["tenant_id"] != "tenant-a" {
		t.Errorf("body tenant_id = %v", wire["tenant_id"])
	}
	if wire["source"] != "cost-analyzer" {
		t.Errorf("body source = %v", wire["source"])
	}
	if wire["schema_version"] != "1" {
		t.Errorf("body schema_version = %v", wire["schema_version"])
	}
	if _, ok := wire["occurred_at"]; !ok {
		t.Error("body should carry occurred_at")
	}
}

func TestReplay_FailedDelivery(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	svc, _, led := testService(t)

	svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"cost_analysis.completed"},
	})

	deliveries, _ := svc.Emit(context.Background(), "cost_analysis.completed", json.RawMessage(`{}`), EmitOptions{})
	d := waitForTerminal(t, led, deliveries[0].ID, 2*time.Second)
	if d.Status != domain.StatusFailed {
		t.Fatalf("setup: expected failed, got %s", d.Status)
	}

	// The receiver recovers; an operator replays the record.
	healthy.Store(true)

	replayed, err := svc.Replay(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != domain.StatusPending || replayed.Attempts != 0 {
		t.Errorf("replay should reset state, got %s/%d", replayed.Status, replayed.Attempts)
	}

	final := waitForTerminal(t, led, d.ID, 2*time.Second)
	if final.Status != domain.StatusDelivered {
		t.Errorf("replayed delivery: status = %s, want delivered", final.Status)
	}
	if final.Attempts != 1 {
		t.Errorf("replayed delivery: attempts = %d, want 1", final.Attempts)
	}
}

func TestReplay_DeliveredIsRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, _, led := testService(t)

	svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"*"},
	})

	deliveries, _ := svc.Emit(context.Background(), "anything.happened", json.RawMessage(`{}`), EmitOptions{})
	waitForTerminal(t, led, deliveries[0].ID, 2*time.Second)

	if _, err := svc.Replay(context.Background(), deliveries[0].ID); !errors.Is(err, domain.ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
}

func TestEmit_ValidatesInput(t *testing.T) {
	svc, _, _ := testService(t)

	if _, err := svc.Emit(context.Background(), "", json.RawMessage(`{}`), EmitOptions{}); err == nil {
		t.Error("empty event type should be rejected")
	}
	if _, err := svc.Emit(context.Background(), "x.y", json.RawMessage(`{not json`), EmitOptions{}); err == nil {
		t.Error("invalid JSON payload should be rejected")
	}
}

func TestEmit_2xxWithNonJSONBodyIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("thanks!"))
	}))
	defer server.Close()

	svc, _, led := testService(t)

	svc.RegisterSubscription(registry.CreateRequest{
		DestinationURL: server.URL,
		EventTypes:     []string{"*"},
	})

	deliveries, _ := svc.Emit(context.Background(), "cost_analysis.completed", json.RawMessage(`{}`), EmitOptions{})
	d := waitForTerminal(t, led, deliveries[0].ID, 2*time.Second)

	if d.Status != domain.StatusDelivered {
		t.Errorf("any 2xx is a success regardless of body shape, got %s", d.Status)
	}
	if d.LastResponse == nil || d.LastResponse.Body != "thanks!" {
		t.Error("response body should still be captured")
	}
}

func TestStats_AfterMixedOutcomes(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()
	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer badServer.Close()

	svc, _, led := testService(t)

	svc.RegisterSubscription(registry.CreateRequest{DestinationURL: okServer.URL, EventTypes: []string{"ok.event"}})
	svc.RegisterSubscription(registry.CreateRequest{DestinationURL: badServer.URL, EventTypes: []string{"bad.event"}})

	okDeliveries, _ := svc.Emit(context.Background(), "ok.event", json.RawMessage(`{}`), EmitOptions{})
	badDeliveries, _ := svc.Emit(context.Background(), "bad.event", json.RawMessage(`{}`), EmitOptions{})

	waitForTerminal(t, led, okDeliveries[0].ID, 2*time.Second)
	waitForTerminal(t, led, badDeliveries[0].ID, 2*time.Second)

	s := svc.Stats()
	if s.Total != 2 || s.Delivered != 1 || s.Failed != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.FailureRate != 0.5 {
		t.Errorf("failure rate = %v, want 0.5", s.FailureRate)
	}
}
