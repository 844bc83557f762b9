// Package intelligence rebuilds the per-contact CustomerInsight view from
// paid orders. Insight rows are derived data: a rebuild replaces a tenant's
// rows wholesale and nothing else writes them.
package intelligence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// TopVenueCount is the length of CustomerInsight.TopVenueIDs.
const TopVenueCount = 3

// Repository is the persistence the builder needs.
type Repository interface {
	ListPaidOrders(ctx context.Context, tenantID string) ([]domain.PaidOrder, error)
	// ReplaceInsights swaps the tenant's insight rows in one transaction.
	ReplaceInsights(ctx context.Context, tenantID string, rows []domain.CustomerInsight) error
}

// Builder computes and stores insight rows.
type Builder struct {
	repo   Repository
	clock  clock.Clock
	locker distlock.Locker
	log    *logger.Logger
}

// NewBuilder creates a Builder. locker may be nil for single-process use.
func NewBuilder(repo Repository, clk clock.Clock, locker distlock.Locker) *Builder {
	return &Builder{repo: repo, clock: clk, locker: locker, log: logger.With("component", "insight-builder")}
}

// Rebuild recomputes every insight row for the tenant and returns the row
// count. When another process is already rebuilding the tenant it returns
// distlock.ErrNotAcquired.
func (b *Builder) Rebuild(ctx context.Context, tenantID string) (int, error) {
	if b.locker == nil {
		return b.rebuild(ctx, tenantID)
	}
	var n int
	err := distlock.WithLock(ctx, b.locker.Lock(distlock.InsightKey(tenantID), 10*time.Minute), func(ctx context.Context) error {
		var err error
		n, err = b.rebuild(ctx, tenantID)
		return err
	})
	return n, err
}

func (b *Builder) rebuild(ctx context.Context, tenantID string) (int, error) {
	orders, err := b.repo.ListPaidOrders(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list paid orders: %w", err)
	}
	rows := Compute(tenantID, orders, b.clock.Now())
	if err := b.repo.ReplaceInsights(ctx, tenantID, rows); err != nil {
		return 0, fmt.Errorf("replace insights: %w", err)
	}
	b.log.Info("insights rebuilt", "tenant", tenantID, "orders", len(orders), "contacts", len(rows))
	return len(rows), nil
}

type tally struct {
	count int
	spend int64
}

type acc struct {
	row        domain.CustomerInsight
	venues     map[string]*tally
	categories map[string]*tally
	eventTypes map[string]*tally
}

// Compute aggregates orders into one insight row per contact email, sorted
// by email.
func Compute(tenantID string, orders []domain.PaidOrder, now time.Time) []domain.CustomerInsight {
	window := now.AddDate(0, 0, -90)
	byEmail := make(map[string]*acc)
	for _, o := range orders {
		email := domain.NormalizeEmail(o.Email)
		if email == "" {
			continue
		}
		a, ok := byEmail[email]
		if !ok {
			a = &acc{
				row:        domain.CustomerInsight{TenantID: tenantID, Email: email, ContactID: o.ContactID},
				venues:     map[string]*tally{},
				categories: map[string]*tally{},
				eventTypes: map[string]*tally{},
			}
			byEmail[email] = a
		}
		r := &a.row
		if r.ContactID == "" {
			r.ContactID = o.ContactID
		}
		r.LifetimeOrders++
		r.LifetimeSpendPence += o.AmountPence
		if !o.PaidAt.Before(window) {
			r.Orders90d++
			r.Spend90dPence += o.AmountPence
		}
		if r.FirstOrderAt == nil || o.PaidAt.Before(*r.FirstOrderAt) {
			at := o.PaidAt
			r.FirstOrderAt = &at
		}
		if r.LastOrderAt == nil || o.PaidAt.After(*r.LastOrderAt) {
			at := o.PaidAt
			r.LastOrderAt = &at
		}
		add(a.venues, o.VenueID, o.AmountPence)
		add(a.categories, o.Category, o.AmountPence)
		add(a.eventTypes, o.EventType, o.AmountPence)
	}

	out := make([]domain.CustomerInsight, 0, len(byEmail))
	for _, a := range byEmail {
		r := a.row
		r.RecencyScore = RecencyScore(r.LastOrderAt, now)
		r.FrequencyScore = FrequencyScore(r.LifetimeOrders)
		r.MonetaryScore = MonetaryScore(r.LifetimeSpendPence)
		venues := ranked(a.venues)
		if len(venues) > 0 {
			r.FavouriteVenueID = venues[0]
		}
		if len(venues) > TopVenueCount {
			venues = venues[:TopVenueCount]
		}
		r.TopVenueIDs = venues
		if cats := ranked(a.categories); len(cats) > 0 {
			r.FavouriteCategory = cats[0]
		}
		if types := ranked(a.eventTypes); len(types) > 0 {
			r.FavouriteEventType = types[0]
		}
		r.RebuiltAt = now
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func add(m map[string]*tally, key string, pence int64) {
	if key == "" {
		return
	}
	t, ok := m[key]
	if !ok {
		t = &tally{}
		m[key] = t
	}
	t.count++
	t.spend += pence
}

// ranked orders keys by count, then spend, then name.
func ranked(m map[string]*tally) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m[keys[i]], m[keys[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		if a.spend != b.spend {
			return a.spend > b.spend
		}
		return keys[i] < keys[j]
	})
	return keys
}

// RecencyScore bands days since the last order into 1..5.
func RecencyScore(last *time.Time, now time.Time) int {
	if last == nil {
		return 1
	}
	d := now.Sub(*last)
	switch {
	case d <= 30*24*time.Hour:
		return 5
	case d <= 90*24*time.Hour:
		return 4
	case d <= 180*24*time.Hour:
		return 3
	case d <= 365*24*time.Hour:
		return 2
	}
	return 1
}

// FrequencyScore bands lifetime order count into 1..5.
func FrequencyScore(orders int) int {
	switch {
	case orders >= 10:
		return 5
	case orders >= 5:
		return 4
	case orders >= 3:
		return 3
	case orders == 2:
		return 2
	}
	return 1
}

// MonetaryScore bands lifetime spend in pence into 1..5.
func MonetaryScore(pence int64) int {
	switch {
	case pence >= 50_000:
		return 5
	case pence >= 20_000:
		return 4
	case pence >= 10_000:
		return 3
	case pence >= 5_000:
		return 2
	}
	return 1
}
