package suppression

import (
	"context"

	"github.com/ignite/audience-engine/internal/domain"
)

// Repository defines the data access contract for the suppression list.
type Repository interface {
	// Get returns the tenant's suppression for email, or ErrNotFound.
	Get(ctx context.Context, tenantID, email string) (*domain.Suppression, error)

	// Suppress adds an email to the suppression list. If it already exists,
	// the existing record is preserved (idempotent).
	Suppress(ctx context.Context, s *domain.Suppression) error

	// Remove deletes a suppression entry. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, tenantID, email string) error

	// ListByTenant returns every suppression for a tenant. The materializer
	// loads it once per campaign instead of querying per contact.
	ListByTenant(ctx context.Context, tenantID string) ([]domain.Suppression, error)
}
