package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// =============================================================================
// RETENTION: prunes trigger inputs that can never matter again
// =============================================================================
// Closed checkout events, old show views and past scan sentinels only grow.
// Deletes run in batches so a large backlog never holds a long lock.
//
// Defaults:
//   - closed checkout events: 30 days
//   - show views:             180 days (longest view-without-purchase window)
//   - scan audit sentinels:   30 days

const retentionBatchSize = 5000

// RetentionPolicy holds the age limits in days.
type RetentionPolicy struct {
	CheckoutDays int
	ViewDays     int
	AuditDays    int
}

// DefaultRetention is used for unset fields.
var DefaultRetention = RetentionPolicy{CheckoutDays: 30, ViewDays: 180, AuditDays: 30}

// Retention deletes aged rows from the trigger tables.
type Retention struct {
	db     *sql.DB
	policy RetentionPolicy
	log    *logger.Logger
}

func NewRetention(db *sql.DB, policy RetentionPolicy) *Retention {
	if policy.CheckoutDays <= 0 {
		policy.CheckoutDays = DefaultRetention.CheckoutDays
	}
	if policy.ViewDays <= 0 {
		policy.ViewDays = DefaultRetention.ViewDays
	}
	if policy.AuditDays <= 0 {
		policy.AuditDays = DefaultRetention.AuditDays
	}
	return &Retention{db: db, policy: policy, log: logger.With("component", "retention")}
}

// Run prunes every table once. It is a JobFunc.
func (r *Retention) Run(ctx context.Context) error {
	steps := []struct {
		table string
		query string
		days  int
	}{
		{"checkout_events", `
			DELETE FROM checkout_events
			WHERE id IN (
				SELECT id FROM checkout_events
				WHERE status = 'COMPLETED' AND started_at < NOW() - make_interval(days => $2)
				LIMIT $1
			)`, r.policy.CheckoutDays},
		{"customer_show_views", `
			DELETE FROM customer_show_views
			WHERE id IN (
				SELECT id FROM customer_show_views
				WHERE viewed_at < NOW() - make_interval(days => $2)
				LIMIT $1
			)`, r.policy.ViewDays},
		{"audit_log", `
			DELETE FROM audit_log
			WHERE id IN (
				SELECT id FROM audit_log
				WHERE run_date < CURRENT_DATE - $2::int
				LIMIT $1
			)`, r.policy.AuditDays},
	}
	for _, s := range steps {
		n, err := r.batchDelete(ctx, s.query, s.days)
		if err != nil {
			return fmt.Errorf("prune %s: %w", s.table, err)
		}
		if n > 0 {
			r.log.Info("pruned rows", "table", s.table, "rows", n, "older_than_days", s.days)
		}
	}
	return nil
}

// batchDelete repeats query until a batch deletes nothing.
func (r *Retention) batchDelete(ctx context.Context, query string, days int) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		qctx, cancel := context.WithTimeout(ctx, time.Minute)
		res, err := r.db.ExecContext(qctx, query, retentionBatchSize, days)
		cancel()
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
		if n < retentionBatchSize {
			return total, nil
		}
	}
}
