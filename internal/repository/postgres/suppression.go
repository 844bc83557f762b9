package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

var _ suppression.Repository = (*SuppressionRepo)(nil)

func (r *SuppressionRepo) Get(ctx context.Context, tenantID, email string) (*domain.Suppression, error) {
	s := &domain.Suppression{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, type, reason, created_at
		FROM suppressions WHERE tenant_id = $1 AND email = $2`,
		tenantID, domain.NormalizeEmail(email),
	).Scan(&s.ID, &s.TenantID, &s.Email, &s.Type, &s.Reason, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, suppression.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suppression: %w", err)
	}
	return s, nil
}

// Suppress keeps the first record for an address; the original type and
// reason survive later bounces or complaints.
func (r *SuppressionRepo) Suppress(ctx context.Context, s *domain.Suppression) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.Email = domain.NormalizeEmail(s.Email)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions (id, tenant_id, email, type, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, email) DO NOTHING
	`, s.ID, s.TenantID, s.Email, s.Type, s.Reason)
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, tenantID, email string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE tenant_id = $1 AND email = $2`,
		tenantID, domain.NormalizeEmail(email),
	)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) ListByTenant(ctx context.Context, tenantID string) ([]domain.Suppression, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, email, type, reason, created_at
		FROM suppressions
		WHERE tenant_id = $1
		ORDER BY email
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.Suppression
	for rows.Next() {
		var s domain.Suppression
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Email, &s.Type, &s.Reason, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
