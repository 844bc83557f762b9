package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
)

// TriggerRepo answers the trigger scanner queries.
type TriggerRepo struct{ db *sql.DB }

func NewTriggerRepo(db *sql.DB) *TriggerRepo { return &TriggerRepo{db: db} }

// ContactsWithoutPurchaseSince includes contacts who never placed a paid
// order.
func (r *TriggerRepo) ContactsWithoutPurchaseSince(ctx context.Context, tenantID string, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id
		FROM contacts c
		WHERE c.tenant_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM orders o
			WHERE o.tenant_id = c.tenant_id AND o.email = c.email
			  AND o.status = 'PAID' AND o.paid_at >= $2
		  )
		ORDER BY c.id`, tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("lapsed contacts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// OpenCheckouts marks an event converted when a paid order for the same
// email and event was placed at or after the checkout started. Pages are
// keyed on (started_at, id).
func (r *TriggerRepo) OpenCheckouts(ctx context.Context, tenantID string, startedBefore time.Time, after domain.CheckoutCursor, limit int) ([]domain.CheckoutEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ce.id, ce.tenant_id, COALESCE(ce.contact_id,''), ce.email, ce.event_id, ce.status, ce.started_at,
		       EXISTS (
				SELECT 1 FROM orders o
				WHERE o.tenant_id = ce.tenant_id AND o.email = ce.email AND o.event_id = ce.event_id
				  AND o.status = 'PAID' AND o.paid_at >= ce.started_at
		       )
		FROM checkout_events ce
		WHERE ce.tenant_id = $1 AND ce.status = 'STARTED' AND ce.started_at < $2
		  AND (ce.started_at, ce.id) > ($3, $4)
		ORDER BY ce.started_at, ce.id
		LIMIT $5`, tenantID, startedBefore, after.StartedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("open checkouts: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckoutEvent
	for rows.Next() {
		var ev domain.CheckoutEvent
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.ContactID, &ev.Email, &ev.EventID, &ev.Status,
			&ev.StartedAt, &ev.Converted); err != nil {
			return nil, fmt.Errorf("scan checkout: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *TriggerRepo) CompleteCheckout(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE checkout_events SET status = 'COMPLETED' WHERE id = $1 AND status = 'STARTED'`, id)
	if err != nil {
		return fmt.Errorf("complete checkout: %w", err)
	}
	return nil
}

// AuditRepo records the once-per-day scan sentinels.
type AuditRepo struct{ db *sql.DB }

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) HasRun(ctx context.Context, tenantID, action, entityID string, day time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM audit_log
		WHERE tenant_id = $1 AND action = $2 AND entity_id = $3 AND run_date = $4)`,
		tenantID, action, entityID, day.UTC().Format("2006-01-02"),
	).Scan(&exists)
	return exists, err
}

func (r *AuditRepo) MarkRun(ctx context.Context, tenantID, action, entityID string, day time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (tenant_id, action, entity_id, run_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, action, entity_id, run_date) DO NOTHING`,
		tenantID, action, entityID, day.UTC().Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("mark run: %w", err)
	}
	return nil
}
