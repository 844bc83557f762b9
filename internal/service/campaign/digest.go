package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// PeriodKey is the calendar month (UTC) a digest belongs to, as "YYYY-MM".
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DigestPlanner creates the monthly digest campaign for a tenant. There is
// at most one MONTHLY_DIGEST campaign per tenant and calendar month; the
// (tenant, kind, period) uniqueness is enforced by storage, not by name.
type DigestPlanner struct {
	campaigns Repository
	tenants   TenantStore
}

// NewDigestPlanner wires a DigestPlanner.
func NewDigestPlanner(campaigns Repository, tenants TenantStore) *DigestPlanner {
	return &DigestPlanner{campaigns: campaigns, tenants: tenants}
}

// Ensure returns the tenant's digest for the month containing now, creating
// it as SCHEDULED for now if it does not exist. created reports whether this
// call inserted it. Tenants without a digest segment and template get nil.
func (p *DigestPlanner) Ensure(ctx context.Context, tenantID string, now time.Time) (c *domain.Campaign, created bool, err error) {
	settings, err := p.tenants.GetSettings(ctx, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("tenant settings: %w", err)
	}
	if settings.DigestSegmentID == "" || settings.DigestTemplateID == "" {
		return nil, false, nil
	}

	period := PeriodKey(now)
	existing, err := p.campaigns.FindByPeriod(ctx, tenantID, domain.CampaignKindMonthlyDigest, period)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	at := now.UTC()
	c = &domain.Campaign{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Name:        "Monthly digest " + period,
		Kind:        domain.CampaignKindMonthlyDigest,
		PeriodKey:   period,
		SegmentID:   settings.DigestSegmentID,
		TemplateID:  settings.DigestTemplateID,
		Status:      domain.CampaignScheduled,
		ScheduledAt: &at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	err = p.campaigns.Create(ctx, c)
	if errors.Is(err, ErrDuplicatePeriod) {
		// lost the race to another instance
		existing, err := p.campaigns.FindByPeriod(ctx, tenantID, domain.CampaignKindMonthlyDigest, period)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("create digest: %w", err)
	}
	logger.Info("monthly digest scheduled", "tenant", tenantID, "campaign", c.ID, "period", period)
	return c, true, nil
}
