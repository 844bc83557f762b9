package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/intelligence"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// AudienceRepo serves the purchase and behaviour facts behind segment
// evaluation and the insight rebuild.
type AudienceRepo struct{ db *sql.DB }

func NewAudienceRepo(db *sql.DB) *AudienceRepo { return &AudienceRepo{db: db} }

var _ intelligence.Repository = (*AudienceRepo)(nil)

// SegmentationRepo combines contact and audience reads into the
// segmentation.Repository the evaluator needs.
type SegmentationRepo struct {
	*ContactRepo
	*AudienceRepo
}

func NewSegmentationRepo(db *sql.DB) *SegmentationRepo {
	return &SegmentationRepo{ContactRepo: NewContactRepo(db), AudienceRepo: NewAudienceRepo(db)}
}

var _ segmentation.Repository = (*SegmentationRepo)(nil)

func (r *AudienceRepo) InsightsFor(ctx context.Context, tenantID string, emails []string) ([]domain.CustomerInsight, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, COALESCE(contact_id,''), email, recency_score, frequency_score, monetary_score,
		       lifetime_orders, lifetime_spend_pence, orders_90d, spend_90d_pence,
		       first_order_at, last_order_at, favourite_venue_id, favourite_category,
		       favourite_event_type, top_venue_ids, rebuilt_at
		FROM customer_insights
		WHERE tenant_id = $1 AND email = ANY($2)`, tenantID, pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	defer rows.Close()

	var out []domain.CustomerInsight
	for rows.Next() {
		var in domain.CustomerInsight
		if err := rows.Scan(&in.TenantID, &in.ContactID, &in.Email, &in.RecencyScore, &in.FrequencyScore,
			&in.MonetaryScore, &in.LifetimeOrders, &in.LifetimeSpendPence, &in.Orders90d, &in.Spend90dPence,
			&in.FirstOrderAt, &in.LastOrderAt, &in.FavouriteVenueID, &in.FavouriteCategory,
			&in.FavouriteEventType, pq.Array(&in.TopVenueIDs), &in.RebuiltAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *AudienceRepo) AggregateOrders(ctx context.Context, tenantID string, emails []string, now time.Time) ([]domain.OrderAggregate, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT email,
		       COUNT(*),
		       COALESCE(SUM(amount_pence), 0),
		       COUNT(*) FILTER (WHERE paid_at >= $3 - INTERVAL '90 days'),
		       COALESCE(SUM(amount_pence) FILTER (WHERE paid_at >= $3 - INTERVAL '90 days'), 0),
		       MAX(paid_at)
		FROM orders
		WHERE tenant_id = $1 AND status = 'PAID' AND email = ANY($2) AND paid_at <= $3
		GROUP BY email`, tenantID, pq.Array(emails), now)
	if err != nil {
		return nil, fmt.Errorf("aggregate orders: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderAggregate
	for rows.Next() {
		var a domain.OrderAggregate
		if err := rows.Scan(&a.Email, &a.LifetimeOrders, &a.LifetimeSpend, &a.Orders90d, &a.Spend90d, &a.LastOrderAt); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AudienceRepo) ShowViewsFor(ctx context.Context, tenantID string, emails []string, since time.Time) ([]domain.ShowView, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, email, event_id, viewed_at
		FROM customer_show_views
		WHERE tenant_id = $1 AND email = ANY($2) AND viewed_at >= $3`,
		tenantID, pq.Array(emails), since)
	if err != nil {
		return nil, fmt.Errorf("show views: %w", err)
	}
	defer rows.Close()

	var out []domain.ShowView
	for rows.Next() {
		var v domain.ShowView
		if err := rows.Scan(&v.TenantID, &v.Email, &v.EventID, &v.ViewedAt); err != nil {
			return nil, fmt.Errorf("scan show view: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *AudienceRepo) PaidEventIDs(ctx context.Context, tenantID string, emails []string) (map[string][]string, error) {
	out := map[string][]string{}
	if len(emails) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT email, event_id
		FROM orders
		WHERE tenant_id = $1 AND status = 'PAID' AND email = ANY($2) AND event_id <> ''`,
		tenantID, pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("paid events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var email, eventID string
		if err := rows.Scan(&email, &eventID); err != nil {
			return nil, fmt.Errorf("scan paid event: %w", err)
		}
		out[email] = append(out[email], eventID)
	}
	return out, rows.Err()
}

func (r *AudienceRepo) ListPaidOrders(ctx context.Context, tenantID string) ([]domain.PaidOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, COALESCE(contact_id,''), email, amount_pence, paid_at,
		       event_id, venue_id, category, event_type
		FROM orders
		WHERE tenant_id = $1 AND status = 'PAID' AND paid_at IS NOT NULL
		ORDER BY paid_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("paid orders: %w", err)
	}
	defer rows.Close()

	var out []domain.PaidOrder
	for rows.Next() {
		var o domain.PaidOrder
		if err := rows.Scan(&o.ID, &o.TenantID, &o.ContactID, &o.Email, &o.AmountPence, &o.PaidAt,
			&o.EventID, &o.VenueID, &o.Category, &o.EventType); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ReplaceInsights swaps the tenant's insight rows in one transaction so
// readers never see a half-built set.
func (r *AudienceRepo) ReplaceInsights(ctx context.Context, tenantID string, rows []domain.CustomerInsight) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM customer_insights WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("clear insights: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO customer_insights
			(tenant_id, email, contact_id, recency_score, frequency_score, monetary_score,
			 lifetime_orders, lifetime_spend_pence, orders_90d, spend_90d_pence,
			 first_order_at, last_order_at, favourite_venue_id, favourite_category,
			 favourite_event_type, top_venue_ids, rebuilt_at)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`)
	if err != nil {
		return fmt.Errorf("prepare insight insert: %w", err)
	}
	defer stmt.Close()

	for _, in := range rows {
		if _, err := stmt.ExecContext(ctx, tenantID, in.Email, in.ContactID, in.RecencyScore, in.FrequencyScore,
			in.MonetaryScore, in.LifetimeOrders, in.LifetimeSpendPence, in.Orders90d, in.Spend90dPence,
			in.FirstOrderAt, in.LastOrderAt, in.FavouriteVenueID, in.FavouriteCategory,
			in.FavouriteEventType, pq.Array(in.TopVenueIDs), in.RebuiltAt); err != nil {
			return fmt.Errorf("insert insight %s: %w", in.Email, err)
		}
	}
	return tx.Commit()
}
