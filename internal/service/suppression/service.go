package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/domain"
)

// Service implements suppression business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Suppress adds an email to the tenant's suppression list. Idempotent: if the
// email is already suppressed, the existing record is preserved.
func (s *Service) Suppress(ctx context.Context, tenantID, email string, typ domain.SuppressionType, reason string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmailMissing
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	return s.repo.Suppress(ctx, &domain.Suppression{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Email:     email,
		Type:      typ,
		Reason:    reason,
		CreatedAt: s.now(),
	})
}

// Remove deletes a suppression entry.
func (s *Service) Remove(ctx context.Context, tenantID, email string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmailMissing
	}
	return s.repo.Remove(ctx, tenantID, email)
}

// Lookup returns the suppression for email, or nil when there is none.
func (s *Service) Lookup(ctx context.Context, tenantID, email string) (*domain.Suppression, error) {
	sup, err := s.repo.Get(ctx, tenantID, domain.NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup suppression: %w", err)
	}
	return sup, nil
}

// Check resolves one contact against the live suppression list. The
// automation engine calls it right before every step.
func (s *Service) Check(ctx context.Context, c *domain.Contact) (Decision, error) {
	sup, err := s.Lookup(ctx, c.TenantID, c.Email)
	if err != nil {
		return Decision{}, err
	}
	return Resolve(c.ConsentStatus(), sup), nil
}

// LoadIndex loads the whole tenant list for bulk resolution.
func (s *Service) LoadIndex(ctx context.Context, tenantID string) (Index, error) {
	list, err := s.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load suppressions: %w", err)
	}
	return NewIndex(list), nil
}
