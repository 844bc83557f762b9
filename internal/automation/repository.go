package automation

import (
	"context"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/service/suppression"
)

// Repository is the persistence contract of the engine. Store is the
// PostgreSQL implementation.
type Repository interface {
	// GetAutomation returns the automation with steps ordered by step_order,
	// or ErrNotFound.
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)

	// ListEnabled returns the tenant's enabled automations for a trigger.
	// An empty tenantID lists across tenants.
	ListEnabled(ctx context.Context, tenantID string, trigger domain.TriggerType) ([]domain.Automation, error)

	// CreateState inserts the state unless one exists for the same
	// (tenant, contact, automation). created is false in that case.
	CreateState(ctx context.Context, st *domain.AutomationState) (created bool, err error)

	// DueStates returns ACTIVE states of enabled automations with
	// next_run_at <= now.
	DueStates(ctx context.Context, now time.Time, limit int) ([]domain.AutomationState, error)

	// ClaimState moves next_run_at from expected to leaseUntil only if the
	// row is still ACTIVE with next_run_at = expected.
	ClaimState(ctx context.Context, id string, expected, leaseUntil time.Time) (bool, error)

	// SaveState writes progress only if the row still carries the lease
	// (ACTIVE, next_run_at = leaseUntil). false means the lease was lost.
	SaveState(ctx context.Context, st *domain.AutomationState, leaseUntil time.Time) (bool, error)

	// GetExecution returns the ledger entry for (tenant, contact, step), or
	// nil when the step has not run.
	GetExecution(ctx context.Context, tenantID, contactID, stepID string) (*domain.StepExecution, error)

	// RecordExecution inserts a ledger entry. inserted is false if an entry
	// for the same (tenant, contact, step) already exists.
	RecordExecution(ctx context.Context, ex *domain.StepExecution) (inserted bool, err error)
}

// ContactStore reads contacts and applies ADD_TAG.
type ContactStore interface {
	GetContact(ctx context.Context, tenantID, contactID string) (*domain.Contact, error)
	AddTag(ctx context.Context, tenantID, contactID, tag string) error
}

// ConsentChecker resolves eligibility against the live suppression list.
type ConsentChecker interface {
	Check(ctx context.Context, c *domain.Contact) (suppression.Decision, error)
}

// ContactMatcher evaluates BRANCH conditions for one contact.
type ContactMatcher interface {
	MatchContact(ctx context.Context, c *domain.Contact, rules segmentation.RuleSet) (bool, error)
}

// TemplateStore loads templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, error)
}

// TenantStore loads per-tenant sending settings.
type TenantStore interface {
	GetSettings(ctx context.Context, tenantID string) (*domain.TenantSettings, error)
}
