package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/service/campaign"
)

var errPanic = errors.New("job panicked")

// TenantLister lists the tenants the per-tenant jobs iterate over.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

type (
	stepProcessor interface {
		ProcessDue(ctx context.Context) (*automation.ProcessStats, error)
	}
	campaignTicker interface {
		Tick(ctx context.Context) (campaign.DispatchStats, error)
	}
	scanner interface {
		Scan(ctx context.Context) (*ScanStats, error)
	}
	insightRebuilder interface {
		Rebuild(ctx context.Context, tenantID string) (int, error)
	}
	digestPlanner interface {
		Ensure(ctx context.Context, tenantID string, now time.Time) (*domain.Campaign, bool, error)
	}
)

// AutomationJob advances due automation states.
func AutomationJob(p stepProcessor) JobFunc {
	log := logger.With("job", "automation")
	return func(ctx context.Context) error {
		st, err := p.ProcessDue(ctx)
		if st != nil && st.Due > 0 {
			log.Info("automation tick", "due", st.Due, "executed", st.Executed, "completed", st.Completed,
				"stopped", st.Stopped, "conflicts", st.Conflicts, "errors", st.Errors)
		}
		return err
	}
}

// CampaignJob promotes due campaigns and sends SENDING ones.
func CampaignJob(d campaignTicker) JobFunc {
	log := logger.With("job", "campaigns")
	return func(ctx context.Context) error {
		st, err := d.Tick(ctx)
		if st.Started+st.Sent+st.Failures > 0 {
			log.Info("campaign tick", "started", st.Started, "sent", st.Sent, "skipped", st.Skipped, "failures", st.Failures)
		}
		return err
	}
}

// ScanJob runs a trigger scanner.
func ScanJob(name string, s scanner) JobFunc {
	log := logger.With("job", name)
	return func(ctx context.Context) error {
		st, err := s.Scan(ctx)
		if st != nil && (st.Enrolled > 0 || st.Closed > 0) {
			log.Info("scan finished", "automations", st.Automations, "enrolled", st.Enrolled,
				"checkouts", st.Checkouts, "closed", st.Closed, "already_ran", st.AlreadyRan)
		}
		return err
	}
}

// InsightJob rebuilds customer insight for every tenant. A tenant whose
// rebuild is already running elsewhere is skipped.
func InsightJob(b insightRebuilder, tenants TenantLister) JobFunc {
	log := logger.With("job", "insight")
	return func(ctx context.Context) error {
		ids, err := tenants.ListTenantIDs(ctx)
		if err != nil {
			return fmt.Errorf("list tenants: %w", err)
		}
		var errs []error
		for _, id := range ids {
			n, err := b.Rebuild(ctx, id)
			switch {
			case errors.Is(err, distlock.ErrNotAcquired):
				log.Debug("insight rebuild already running", "tenant", id)
			case err != nil:
				errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
			default:
				log.Info("insight rebuilt", "tenant", id, "contacts", n)
			}
		}
		return errors.Join(errs...)
	}
}

// DigestJob makes sure every tenant with a digest configured has this
// month's digest campaign.
func DigestJob(p digestPlanner, tenants TenantLister, clk clock.Clock) JobFunc {
	log := logger.With("job", "digest")
	return func(ctx context.Context) error {
		ids, err := tenants.ListTenantIDs(ctx)
		if err != nil {
			return fmt.Errorf("list tenants: %w", err)
		}
		var errs []error
		for _, id := range ids {
			c, created, err := p.Ensure(ctx, id, clk.Now())
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
				continue
			}
			if created {
				log.Info("digest campaign created", "tenant", id, "campaign", c.ID, "period", c.PeriodKey)
			}
		}
		return errors.Join(errs...)
	}
}
