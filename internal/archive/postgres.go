package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/costscope/webhookd/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied at startup. The archive is append-mostly: one row per
// delivery, updated in place if a replay produces a new terminal outcome.
const schema = `
CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	tenant_id       TEXT,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	http_status     INTEGER,
	response_body   TEXT,
	response_ms     BIGINT,
	last_error      TEXT,
	created_at      TIMESTAMP WITH TIME ZONE NOT NULL,
	completed_at    TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_subscription
	ON webhook_deliveries (subscription_id);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status
	ON webhook_deliveries (status);
`

// Postgres durably records terminal delivery outcomes for audit. The
// in-memory ledger stays the source of truth; the archive exists so the
// attempt history survives a process restart.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects, verifies the connection and ensures the schema.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring archive schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// RecordDelivery upserts the delivery's terminal outcome.
func (p *Postgres) RecordDelivery(ctx context.Context, d *domain.Delivery) error {
	var httpStatus *int
	var respBody *string
	var respMs *int64
	if d.LastResponse != nil {
		code := d.LastResponse.StatusCode
		httpStatus = &code
		if d.LastResponse.Body != "" {
			body := d.LastResponse.Body
			respBody = &body
		}
		ms := d.LastResponse.DurationMs
		respMs = &ms
	}

	var lastErr *string
	if d.LastError != "" {
		e := d.LastError
		lastErr = &e
	}

	var tenantID *string
	if d.Event.TenantID != "" {
		t := d.Event.TenantID
		tenantID = &t
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries
			(id, subscription_id, event_id, event_type, tenant_id, status, attempts, http_status, response_body, response_ms, last_error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			attempts      = EXCLUDED.attempts,
			http_status   = EXCLUDED.http_status,
			response_body = EXCLUDED.response_body,
			response_ms   = EXCLUDED.response_ms,
			last_error    = EXCLUDED.last_error,
			completed_at  = NOW()
	`, d.ID, d.SubscriptionID, d.Event.ID, d.Event.Type, tenantID,
		string(d.Status), d.Attempts, httpStatus, respBody, respMs, lastErr, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording delivery outcome: %w", err)
	}
	return nil
}
