package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/domain"
)

// ErrNotFound is returned by the catalog lookups below.
var ErrNotFound = errors.New("not found")

// CatalogRepo serves segments, templates and tenant settings.
type CatalogRepo struct{ db *sql.DB }

func NewCatalogRepo(db *sql.DB) *CatalogRepo { return &CatalogRepo{db: db} }

func (r *CatalogRepo) GetSegment(ctx context.Context, tenantID, id string) (*domain.Segment, error) {
	s := &domain.Segment{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, rules, created_at, updated_at
		FROM segments WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&s.ID, &s.TenantID, &s.Name, &s.Rules, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return s, nil
}

func (r *CatalogRepo) GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, error) {
	t := &domain.Template{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, subject, body
		FROM templates WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&t.ID, &t.TenantID, &t.Name, &t.Subject, &t.Body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// GetSettings returns zero settings for an unknown tenant so callers fall
// back to the process defaults.
func (r *CatalogRepo) GetSettings(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	s := &domain.TenantSettings{TenantID: tenantID}
	err := r.db.QueryRowContext(ctx, `
		SELECT name, from_name, from_email, reply_to, verified_domains, daily_send_limit,
		       send_rate_per_second, notify_email, COALESCE(digest_segment_id,''), COALESCE(digest_template_id,'')
		FROM tenants WHERE id = $1`, tenantID,
	).Scan(&s.Name, &s.FromName, &s.FromEmail, &s.ReplyTo, pq.Array(&s.VerifiedDomains), &s.DailySendLimit,
		&s.SendRatePerSecond, &s.NotifyEmail, &s.DigestSegmentID, &s.DigestTemplateID)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant settings: %w", err)
	}
	return s, nil
}

func (r *CatalogRepo) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
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
