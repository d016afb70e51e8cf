package record

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmcallister/signalhook/internal/logging"
)

// Postgres is the pgx-backed Recorder.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// NewPostgres returns a Recorder writing to signalhook.deliveries.
func NewPostgres(pool *pgxpool.Pool, log *logging.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

// Create inserts a pending record. Storage errors are logged, never returned.
func (p *Postgres) Create(ctx context.Context, r Record) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		p.log.WithContext(ctx).WithDelivery(r.DeliveryID).WithError(err).Error("marshal record payload failed")
		payload = []byte("{}")
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO signalhook.deliveries
			(delivery_id, tenant_id, webhook_url, event_type, object_id, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now())`,
		r.DeliveryID, r.TenantID, r.WebhookURL, r.EventType, r.ObjectID, payload, StatusPending,
	)
	if err != nil {
		p.log.WithContext(ctx).WithDelivery(r.DeliveryID).WithTenant(r.TenantID).
			WithError(err).Error("create delivery record failed")
	}
}

// Update applies the terminal outcome to an existing record. Unknown
// delivery IDs log a warning; storage errors are logged, never returned.
func (p *Postgres) Update(ctx context.Context, deliveryID string, u Update) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE signalhook.deliveries
		SET status=$2, attempts=$3, response_code=$4, last_error=$5,
		    last_attempt_at=now(), delivered_at=$6
		WHERE delivery_id=$1`,
		deliveryID, u.Status, u.Attempts, u.ResponseCode,
		nullIfEmpty(TruncateError(u.LastError)), u.DeliveredAt,
	)
	if err != nil {
		p.log.WithContext(ctx).WithDelivery(deliveryID).WithError(err).Error("update delivery record failed")
		return
	}
	if tag.RowsAffected() == 0 {
		p.log.WithContext(ctx).WithDelivery(deliveryID).Warn("update for unknown delivery record")
	}
}

// Get fetches one record by delivery ID for operator tooling. Unlike the
// write path this returns errors: a broken read is worth surfacing.
func (p *Postgres) Get(ctx context.Context, deliveryID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT delivery_id, tenant_id, webhook_url, event_type, object_id, payload,
		       status, attempts, response_code, last_error, created_at, last_attempt_at, delivered_at
		FROM signalhook.deliveries
		WHERE delivery_id=$1`, deliveryID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("delivery record not found")
	}
	return r, err
}

// List returns the most recent records for a tenant.
func (p *Postgres) List(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT delivery_id, tenant_id, webhook_url, event_type, object_id, payload,
		       status, attempts, response_code, last_error, created_at, last_attempt_at, delivered_at
		FROM signalhook.deliveries
		WHERE tenant_id=$1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r             Record
		payload       []byte
		responseCode  *int
		lastError     *string
		lastAttemptAt *time.Time
		deliveredAt   *time.Time
	)
	err := row.Scan(&r.DeliveryID, &r.TenantID, &r.WebhookURL, &r.EventType, &r.ObjectID,
		&payload, &r.Status, &r.Attempts, &responseCode, &lastError,
		&r.CreatedAt, &lastAttemptAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &r.Payload)
	}
	r.ResponseCode = responseCode
	if lastError != nil {
		r.LastError = *lastError
	}
	r.LastAttemptAt = lastAttemptAt
	r.DeliveredAt = deliveredAt
	return &r, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
