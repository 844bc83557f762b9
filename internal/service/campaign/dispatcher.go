package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// Dispatcher advances the scheduled and sending campaign queues. It is
// called from the scheduler tick and is safe to run on several instances.
type Dispatcher struct {
	campaigns    Repository
	materializer *Materializer
	sender       *Sender
	locker       distlock.Locker
	clock        clock.Clock
	limit        int
	lockTTL      time.Duration
	log          *logger.Logger
}

// NewDispatcher wires a Dispatcher. limit bounds campaigns per queue per tick.
func NewDispatcher(campaigns Repository, m *Materializer, s *Sender, locker distlock.Locker, clk clock.Clock, limit int, lockTTL time.Duration) *Dispatcher {
	if limit <= 0 {
		limit = 20
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Dispatcher{
		campaigns:    campaigns,
		materializer: m,
		sender:       s,
		locker:       locker,
		clock:        clk,
		limit:        limit,
		lockTTL:      lockTTL,
		log:          logger.With("component", "campaign-dispatcher"),
	}
}

// DispatchStats counts what one tick did.
type DispatchStats struct {
	Started  int
	Sent     int
	Skipped  int
	Failures int
}

// Tick promotes due SCHEDULED campaigns to SENDING, then materializes and
// sends every SENDING campaign it can lock. Errors on one campaign are logged
// and never stop the others.
func (d *Dispatcher) Tick(ctx context.Context) (DispatchStats, error) {
	var stats DispatchStats
	now := d.clock.Now()

	due, err := d.campaigns.DueScheduled(ctx, now, d.limit)
	if err != nil {
		return stats, err
	}
	for _, c := range due {
		err := d.campaigns.TransitionStatus(ctx, c.ID, []domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignSending, now)
		switch {
		case errors.Is(err, ErrInvalidTransition):
			// another instance promoted or someone cancelled it
		case err != nil:
			d.log.Error("promote campaign failed", "campaign", c.ID, "error", err)
			stats.Failures++
		default:
			stats.Started++
		}
	}

	sendingList, err := d.campaigns.ListSending(ctx, d.limit)
	if err != nil {
		return stats, err
	}
	for _, c := range sendingList {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		_, err := d.Run(ctx, c.ID)
		switch {
		case errors.Is(err, distlock.ErrNotAcquired):
			stats.Skipped++
		case err != nil:
			stats.Failures++
		default:
			stats.Sent++
		}
	}
	return stats, nil
}

// Run materializes and sends one campaign while holding its lock. The lock
// is renewed before every batch, and a run that loses it stops before
// claiming more rows. Policy errors leave the campaign in SENDING for an
// operator to resolve.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) (*SendReport, error) {
	var report *SendReport
	lock := d.locker.Lock(distlock.CampaignKey(campaignID), d.lockTTL)
	err := distlock.WithLock(ctx, lock, func(ctx context.Context) error {
		if _, err := d.materializer.Materialize(ctx, campaignID); err != nil {
			d.log.Error("materialize failed", "campaign", campaignID, "error", err)
			return err
		}
		renew := func(ctx context.Context) error { return distlock.Renew(ctx, lock, d.lockTTL) }
		var err error
		report, err = d.sender.SendWithLease(ctx, campaignID, renew)
		if err != nil {
			if IsPolicy(err) {
				d.log.Error("campaign halted by policy", "campaign", campaignID, "error", err)
			} else {
				d.log.Error("campaign send failed", "campaign", campaignID, "error", err)
			}
			return err
		}
		d.log.Debug("campaign run finished", "campaign", campaignID, "sent", report.Sent,
			"failed", report.Failed, "completed", report.Completed, "cancelled", report.Cancelled)
		return nil
	})
	return report, err
}
