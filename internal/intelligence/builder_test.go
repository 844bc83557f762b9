package intelligence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func order(email, venue, cat string, pence int64, daysAgo int) domain.PaidOrder {
	return domain.PaidOrder{
		TenantID: "t1", ContactID: "c-" + email, Email: email, VenueID: venue, Category: cat,
		EventType: "live", AmountPence: pence, PaidAt: now.AddDate(0, 0, -daysAgo),
	}
}

func TestCompute(t *testing.T) {
	orders := []domain.PaidOrder{
		order("A@example.com", "v1", "comedy", 1000, 10),
		order("a@example.com", "v2", "music", 9000, 100),
		order("a@example.com", "v2", "comedy", 2000, 400),
		order("a@example.com", "v3", "theatre", 500, 5),
		order("a@example.com", "v4", "comedy", 500, 5),
		order("b@example.com", "v9", "music", 60000, 200),
	}

	rows := Compute("t1", orders, now)
	require.Len(t, rows, 2)

	a := rows[0]
	assert.Equal(t, "a@example.com", a.Email)
	assert.Equal(t, 5, a.LifetimeOrders)
	assert.Equal(t, int64(13000), a.LifetimeSpendPence)
	assert.Equal(t, 3, a.Orders90d)
	assert.Equal(t, int64(2000), a.Spend90dPence)
	assert.Equal(t, now.AddDate(0, 0, -5), *a.LastOrderAt)
	assert.Equal(t, now.AddDate(0, 0, -400), *a.FirstOrderAt)
	assert.Equal(t, "v2", a.FavouriteVenueID)
	assert.Equal(t, []string{"v2", "v1", "v3"}, a.TopVenueIDs)
	assert.Equal(t, "comedy", a.FavouriteCategory)
	assert.Equal(t, 5, a.RecencyScore)
	assert.Equal(t, 4, a.FrequencyScore)
	assert.Equal(t, 3, a.MonetaryScore)

	b := rows[1]
	assert.Equal(t, 2, b.RecencyScore)
	assert.Equal(t, 1, b.FrequencyScore)
	assert.Equal(t, 5, b.MonetaryScore)
	assert.Equal(t, now, b.RebuiltAt)
}

type memRepo struct {
	orders   []domain.PaidOrder
	replaced map[string][]domain.CustomerInsight
}

func (m *memRepo) ListPaidOrders(_ context.Context, tenantID string) ([]domain.PaidOrder, error) {
	var out []domain.PaidOrder
	for _, o := range m.orders {
		if o.TenantID == tenantID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memRepo) ReplaceInsights(_ context.Context, tenantID string, rows []domain.CustomerInsight) error {
	if m.replaced == nil {
		m.replaced = map[string][]domain.CustomerInsight{}
	}
	m.replaced[tenantID] = rows
	return nil
}

// heldLocker reports every key as taken.
type heldLocker struct{}

type heldLock struct{}

func (heldLocker) Lock(string, time.Duration) distlock.DistLock { return heldLock{} }
func (heldLock) Acquire(context.Context) (bool, error)          { return false, nil }
func (heldLock) Release(context.Context) error                  { return nil }

func TestRebuild(t *testing.T) {
	repo := &memRepo{orders: []domain.PaidOrder{
		order("a@example.com", "v1", "comedy", 1000, 1),
		{TenantID: "t2", Email: "x@example.com", AmountPence: 1, PaidAt: now},
	}}
	b := NewBuilder(repo, clock.NewFake(now), nil)

	n, err := b.Rebuild(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, repo.replaced["t1"], 1)
	assert.NotContains(t, repo.replaced, "t2")
}

func TestRebuild_SkipsWhenLocked(t *testing.T) {
	repo := &memRepo{}
	b := NewBuilder(repo, clock.NewFake(now), heldLocker{})

	_, err := b.Rebuild(context.Background(), "t1")
	assert.True(t, errors.Is(err, distlock.ErrNotAcquired))
	assert.Nil(t, repo.replaced)
}
