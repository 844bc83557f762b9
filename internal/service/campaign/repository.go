package campaign

import (
	"context"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/service/suppression"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, tenantID, id string) (*domain.Campaign, error)

	// GetByID loads a campaign without a tenant scope. Used by background
	// paths that only carry the campaign ID.
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the given filter, ordered by created_at DESC.
	List(ctx context.Context, tenantID string, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign. Returns ErrDuplicatePeriod when a
	// campaign of the same kind already exists for the tenant and period.
	Create(ctx context.Context, c *domain.Campaign) error

	// TransitionStatus moves the campaign to `to` only if its current status
	// is one of `from`. at is stamped on scheduled_at for SCHEDULED,
	// started_at for SENDING and completed_at for SENT or CANCELLED.
	// Returns ErrInvalidTransition when no row matched.
	TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) error

	// Status reads the current status. The sender polls it between batches.
	Status(ctx context.Context, id string) (domain.CampaignStatus, error)

	// DueScheduled returns SCHEDULED campaigns with scheduled_at <= now.
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)

	// ListSending returns campaigns in SENDING.
	ListSending(ctx context.Context, limit int) ([]domain.Campaign, error)

	// FindByPeriod returns the campaign of kind for the tenant and period,
	// or ErrNotFound.
	FindByPeriod(ctx context.Context, tenantID string, kind domain.CampaignKind, periodKey string) (*domain.Campaign, error)

	// MarkMaterialized stamps materialized_at once; later calls keep the
	// first value.
	MarkMaterialized(ctx context.Context, id string, at time.Time) error
}

// RecipientRepository persists the frozen recipient list.
type RecipientRepository interface {
	// CountRecipients returns how many rows exist for the campaign.
	CountRecipients(ctx context.Context, campaignID string) (int, error)

	// InsertRecipients inserts rows in one transaction, skipping any
	// (campaign, contact) pair that already exists. Returns rows inserted.
	InsertRecipients(ctx context.Context, rows []domain.CampaignRecipient) (int, error)

	// ClaimPending hands up to limit PENDING rows to the run identified by
	// token, in insertion order, and holds them until `until`. Rows claimed
	// by another run whose hold has not expired are skipped.
	ClaimPending(ctx context.Context, campaignID, token string, limit int, now, until time.Time) ([]domain.CampaignRecipient, error)

	// ReleaseClaims drops the run's hold on rows it did not finish.
	ReleaseClaims(ctx context.Context, campaignID, token string) error

	// CountPending counts PENDING rows whether claimed or not.
	CountPending(ctx context.Context, campaignID string) (int, error)

	// MarkSent and MarkFailed update a single PENDING row.
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, errText string) error

	// CountSentSince counts SENT rows across all of the tenant's campaigns
	// with sent_at >= since.
	CountSentSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// SegmentStore loads segment definitions.
type SegmentStore interface {
	GetSegment(ctx context.Context, tenantID, id string) (*domain.Segment, error)
}

// TemplateStore loads templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, error)
}

// TenantStore loads per-tenant sending settings.
type TenantStore interface {
	GetSettings(ctx context.Context, tenantID string) (*domain.TenantSettings, error)
}

// SegmentEvaluator resolves a rule-set to contacts.
type SegmentEvaluator interface {
	Evaluate(ctx context.Context, tenantID string, rules segmentation.RuleSet) ([]domain.Contact, error)
}

// SuppressionLoader loads the tenant suppression list for bulk resolution.
type SuppressionLoader interface {
	LoadIndex(ctx context.Context, tenantID string) (suppression.Index, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Kind   string
	Limit  int
	Offset int
}
