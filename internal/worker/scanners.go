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
)

// Audit action recorded once per day for each time-based scan.
const ActionNoPurchaseScan = "trigger_scan:no_purchase"

// Enroller starts an automation for a contact. automation.Engine implements
// it; a repeated call for the same contact is a no-op.
type Enroller interface {
	Enroll(ctx context.Context, tenantID, contactID, automationID string) (bool, error)
}

// AutomationLister lists enabled automations. An empty tenantID means all
// tenants.
type AutomationLister interface {
	ListEnabled(ctx context.Context, tenantID string, trigger domain.TriggerType) ([]domain.Automation, error)
}

// AuditLog stores the per-day sentinels that keep daily scans to one run.
type AuditLog interface {
	HasRun(ctx context.Context, tenantID, action, entityID string, day time.Time) (bool, error)
	MarkRun(ctx context.Context, tenantID, action, entityID string, day time.Time) error
}

// TriggerStore answers the trigger queries.
type TriggerStore interface {
	// ContactsWithoutPurchaseSince returns IDs of contacts whose last paid
	// order is before cutoff, including contacts who never ordered.
	ContactsWithoutPurchaseSince(ctx context.Context, tenantID string, cutoff time.Time) ([]string, error)

	// OpenCheckouts returns up to limit STARTED checkout events begun
	// before cutoff, ordered by start time and ID and positioned after the
	// cursor. Converted is set when a later completion exists for the same
	// email and event.
	OpenCheckouts(ctx context.Context, tenantID string, startedBefore time.Time, after domain.CheckoutCursor, limit int) ([]domain.CheckoutEvent, error)

	// CompleteCheckout marks a checkout event COMPLETED so it is never
	// scanned again.
	CompleteCheckout(ctx context.Context, id string) error
}

// ScanStats summarizes one scanner pass.
type ScanStats struct {
	Automations int
	AlreadyRan  int
	Enrolled    int
	Checkouts   int
	Closed      int
}

// NoPurchaseScanner enrolls contacts who have not bought anything for the
// automation's configured number of days. Each automation is scanned at
// most once per UTC day.
type NoPurchaseScanner struct {
	autos    AutomationLister
	triggers TriggerStore
	audit    AuditLog
	enroller Enroller
	locker   distlock.Locker
	clock    clock.Clock
	lockTTL  time.Duration
	log      *logger.Logger
}

// NewNoPurchaseScanner wires the scanner. locker may be nil when a single
// worker runs.
func NewNoPurchaseScanner(autos AutomationLister, triggers TriggerStore, audit AuditLog, enroller Enroller,
	locker distlock.Locker, clk clock.Clock) *NoPurchaseScanner {
	return &NoPurchaseScanner{
		autos:    autos,
		triggers: triggers,
		audit:    audit,
		enroller: enroller,
		locker:   locker,
		clock:    clk,
		lockTTL:  30 * time.Minute,
		log:      logger.With("component", "no-purchase-scanner"),
	}
}

// Scan runs every due no-purchase automation. Failures on one automation
// are collected and do not stop the others.
func (s *NoPurchaseScanner) Scan(ctx context.Context) (*ScanStats, error) {
	autos, err := s.autos.ListEnabled(ctx, "", domain.TriggerNoPurchaseInDays)
	if err != nil {
		return nil, fmt.Errorf("list no-purchase automations: %w", err)
	}
	stats := &ScanStats{Automations: len(autos)}
	var errs []error
	for i := range autos {
		a := &autos[i]
		day := startOfDay(s.clock.Now())
		run := func(ctx context.Context) error { return s.scanOne(ctx, a, day, stats) }
		if s.locker != nil {
			err = distlock.WithLock(ctx, s.locker.Lock(distlock.ScanKey(a.ID, day), s.lockTTL), run)
		} else {
			err = run(ctx)
		}
		switch {
		case errors.Is(err, distlock.ErrNotAcquired):
			stats.AlreadyRan++
		case err != nil:
			errs = append(errs, fmt.Errorf("automation %s: %w", a.ID, err))
		}
	}
	return stats, errors.Join(errs...)
}

func (s *NoPurchaseScanner) scanOne(ctx context.Context, a *domain.Automation, day time.Time, stats *ScanStats) error {
	if a.TriggerConfig.Days <= 0 {
		s.log.Warn("no-purchase automation has no day count, skipping", "automation", a.ID)
		return nil
	}
	done, err := s.audit.HasRun(ctx, a.TenantID, ActionNoPurchaseScan, a.ID, day)
	if err != nil {
		return err
	}
	if done {
		stats.AlreadyRan++
		return nil
	}

	cutoff := s.clock.Now().AddDate(0, 0, -a.TriggerConfig.Days)
	ids, err := s.triggers.ContactsWithoutPurchaseSince(ctx, a.TenantID, cutoff)
	if err != nil {
		return fmt.Errorf("find lapsed contacts: %w", err)
	}
	enrolled := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.enroller.Enroll(ctx, a.TenantID, id, a.ID)
		if errors.Is(err, automation.ErrAutomationDisabled) {
			// switched off mid-scan; leave the day unmarked so it can run later
			return nil
		}
		if err != nil {
			return fmt.Errorf("enroll %s: %w", id, err)
		}
		if ok {
			enrolled++
		}
	}
	// Marked only after every contact was handled, so a crashed scan runs
	// again the same day. Enrollment is idempotent.
	if err := s.audit.MarkRun(ctx, a.TenantID, ActionNoPurchaseScan, a.ID, day); err != nil {
		return fmt.Errorf("mark scan run: %w", err)
	}
	stats.Enrolled += enrolled
	s.log.Info("no-purchase scan finished", "tenant", a.TenantID, "automation", a.ID,
		"candidates", len(ids), "enrolled", enrolled)
	return nil
}

// AbandonedCheckoutScanner enrolls contacts whose checkout was started but
// not completed within the automation's delay.
type AbandonedCheckoutScanner struct {
	autos    AutomationLister
	triggers TriggerStore
	enroller Enroller
	clock    clock.Clock
	batch    int
	log      *logger.Logger
}

func NewAbandonedCheckoutScanner(autos AutomationLister, triggers TriggerStore, enroller Enroller, clk clock.Clock, batch int) *AbandonedCheckoutScanner {
	if batch <= 0 {
		batch = 500
	}
	return &AbandonedCheckoutScanner{
		autos:    autos,
		triggers: triggers,
		enroller: enroller,
		clock:    clk,
		batch:    batch,
		log:      logger.With("component", "abandoned-checkout-scanner"),
	}
}

// Scan enrolls every abandoned checkout into each of its tenant's
// abandoned-checkout automations whose delay has passed. An event is
// closed once it converted or once the longest delay has passed, so it is
// never picked up again.
func (s *AbandonedCheckoutScanner) Scan(ctx context.Context) (*ScanStats, error) {
	autos, err := s.autos.ListEnabled(ctx, "", domain.TriggerAbandonedCheckout)
	if err != nil {
		return nil, fmt.Errorf("list abandoned-checkout automations: %w", err)
	}
	stats := &ScanStats{Automations: len(autos)}
	byTenant := map[string][]*domain.Automation{}
	var tenants []string
	for i := range autos {
		t := autos[i].TenantID
		if _, ok := byTenant[t]; !ok {
			tenants = append(tenants, t)
		}
		byTenant[t] = append(byTenant[t], &autos[i])
	}

	var errs []error
	for _, t := range tenants {
		if err := s.scanTenant(ctx, t, byTenant[t], stats); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t, err))
		}
	}
	return stats, errors.Join(errs...)
}

func (s *AbandonedCheckoutScanner) scanTenant(ctx context.Context, tenantID string, autos []*domain.Automation, stats *ScanStats) error {
	now := s.clock.Now()
	minDelay, maxDelay := checkoutDelay(autos[0]), checkoutDelay(autos[0])
	for _, a := range autos[1:] {
		d := checkoutDelay(a)
		if d < minDelay {
			minDelay = d
		}
		if d > maxDelay {
			maxDelay = d
		}
	}

	// Events younger than the longest delay stay open, so the scan pages
	// past them instead of re-reading the same first page every tick.
	var after domain.CheckoutCursor
	for {
		events, err := s.triggers.OpenCheckouts(ctx, tenantID, now.Add(-minDelay), after, s.batch)
		if err != nil {
			return fmt.Errorf("load open checkouts: %w", err)
		}
		stats.Checkouts += len(events)
		for i := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.handleCheckout(ctx, tenantID, &events[i], autos, now, maxDelay, stats); err != nil {
				return err
			}
		}
		if len(events) < s.batch {
			return nil
		}
		last := events[len(events)-1]
		after = domain.CheckoutCursor{StartedAt: last.StartedAt, ID: last.ID}
	}
}

// handleCheckout enrolls ev into every automation whose delay has passed and
// closes it once it converted or the longest delay has passed.
func (s *AbandonedCheckoutScanner) handleCheckout(ctx context.Context, tenantID string, ev *domain.CheckoutEvent,
	autos []*domain.Automation, now time.Time, maxDelay time.Duration, stats *ScanStats) error {
	if !ev.Converted && ev.ContactID != "" {
		age := now.Sub(ev.StartedAt)
		for _, a := range autos {
			if age < checkoutDelay(a) {
				continue
			}
			ok, err := s.enroller.Enroll(ctx, tenantID, ev.ContactID, a.ID)
			if err != nil && !errors.Is(err, automation.ErrAutomationDisabled) {
				return fmt.Errorf("enroll %s: %w", ev.ContactID, err)
			}
			if ok {
				stats.Enrolled++
			}
		}
		if age < maxDelay {
			return nil
		}
	}
	if err := s.triggers.CompleteCheckout(ctx, ev.ID); err != nil {
		return fmt.Errorf("close checkout %s: %w", ev.ID, err)
	}
	stats.Closed++
	return nil
}

// checkoutDelay defaults to one hour when the automation sets none.
func checkoutDelay(a *domain.Automation) time.Duration {
	if a.TriggerConfig.DelayMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(a.TriggerConfig.DelayMinutes) * time.Minute
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
