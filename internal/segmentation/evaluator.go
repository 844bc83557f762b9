package segmentation

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/clock"
)

// Repository is the read side the evaluator needs. Every method is scoped
// to one tenant; emails are normalized.
type Repository interface {
	// ListContacts returns every tenant contact with tags, consent and
	// preferences populated.
	ListContacts(ctx context.Context, tenantID string) ([]domain.Contact, error)
	// InsightsFor returns insight rows for the given emails.
	InsightsFor(ctx context.Context, tenantID string, emails []string) ([]domain.CustomerInsight, error)
	// AggregateOrders computes live paid-order aggregates for the emails;
	// the 90-day window ends at now.
	AggregateOrders(ctx context.Context, tenantID string, emails []string, now time.Time) ([]domain.OrderAggregate, error)
	// ShowViewsFor returns event page views at or after since.
	ShowViewsFor(ctx context.Context, tenantID string, emails []string, since time.Time) ([]domain.ShowView, error)
	// PaidEventIDs returns, per email, the event IDs the contact holds a paid order for.
	PaidEventIDs(ctx context.Context, tenantID string, emails []string) (map[string][]string, error)
}

// Purchases is the purchase summary a rule sees, taken from a fresh insight
// row or from the live order aggregate.
type Purchases struct {
	LifetimeOrders int
	LifetimeSpend  int64
	Orders90d      int
	LastOrderAt    *time.Time
}

// Facts is everything known about one contact during evaluation.
type Facts struct {
	Contact *domain.Contact
	Now     time.Time

	// Insight is the stored row, stale or not. Favourite rules read it.
	Insight *domain.CustomerInsight
	// Orders is the live aggregate used when Insight is stale or missing.
	Orders     *domain.OrderAggregate
	FreshUntil time.Time

	Views      []domain.ShowView
	PaidEvents map[string]bool
}

func (f *Facts) purchases() Purchases {
	if f.Insight != nil && !f.Insight.RebuiltAt.Before(f.FreshUntil) {
		return Purchases{
			LifetimeOrders: f.Insight.LifetimeOrders,
			LifetimeSpend:  f.Insight.LifetimeSpendPence,
			Orders90d:      f.Insight.Orders90d,
			LastOrderAt:    f.Insight.LastOrderAt,
		}
	}
	if f.Orders != nil {
		return Purchases{
			LifetimeOrders: f.Orders.LifetimeOrders,
			LifetimeSpend:  f.Orders.LifetimeSpend,
			Orders90d:      f.Orders.Orders90d,
			LastOrderAt:    f.Orders.LastOrderAt,
		}
	}
	return Purchases{}
}

// Evaluator resolves rule-sets to contacts.
type Evaluator struct {
	repo   Repository
	clock  clock.Clock
	maxAge time.Duration
}

// NewEvaluator builds an evaluator. Insight rows older than maxAge are
// treated as stale and backed by a live order aggregate. A zero maxAge
// trusts every insight row.
func NewEvaluator(repo Repository, clk clock.Clock, maxAge time.Duration) *Evaluator {
	return &Evaluator{repo: repo, clock: clk, maxAge: maxAge}
}

// Evaluate returns the tenant contacts matching every rule, in load order.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, rules RuleSet) ([]domain.Contact, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	contacts, err := e.repo.ListContacts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	cheap, expensive := rules.split()
	now := e.clock.Now()

	seen := make(map[string]bool, len(contacts))
	var candidates []domain.Contact
	for i := range contacts {
		c := &contacts[i]
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if cheap.Match(&Facts{Contact: c, Now: now}) {
			candidates = append(candidates, *c)
		}
	}
	if len(expensive) == 0 || len(candidates) == 0 {
		return candidates, nil
	}

	facts, err := e.loadFacts(ctx, tenantID, candidates, expensive, now)
	if err != nil {
		return nil, err
	}
	var out []domain.Contact
	for i := range candidates {
		if expensive.Match(facts[i]) {
			out = append(out, candidates[i])
		}
	}
	return out, nil
}

// MatchContact evaluates rules for a single contact. The automation engine
// uses it for BRANCH steps.
func (e *Evaluator) MatchContact(ctx context.Context, c *domain.Contact, rules RuleSet) (bool, error) {
	if err := rules.Validate(); err != nil {
		return false, err
	}
	now := e.clock.Now()
	cheap, expensive := rules.split()
	if !cheap.Match(&Facts{Contact: c, Now: now}) {
		return false, nil
	}
	if len(expensive) == 0 {
		return true, nil
	}
	facts, err := e.loadFacts(ctx, c.TenantID, []domain.Contact{*c}, expensive, now)
	if err != nil {
		return false, err
	}
	return expensive.Match(facts[0]), nil
}

func (e *Evaluator) loadFacts(ctx context.Context, tenantID string, contacts []domain.Contact, rules RuleSet, now time.Time) ([]*Facts, error) {
	need := rules.needs()
	var freshUntil time.Time
	if e.maxAge > 0 {
		freshUntil = now.Add(-e.maxAge)
	}
	emails := make([]string, len(contacts))
	facts := make([]*Facts, len(contacts))
	for i := range contacts {
		emails[i] = domain.NormalizeEmail(contacts[i].Email)
		facts[i] = &Facts{Contact: &contacts[i], Now: now, FreshUntil: freshUntil}
	}

	if need&(needInsight|needPurchases) != 0 {
		insights, err := e.repo.InsightsFor(ctx, tenantID, emails)
		if err != nil {
			return nil, fmt.Errorf("load insights: %w", err)
		}
		byEmail := make(map[string]*domain.CustomerInsight, len(insights))
		for i := range insights {
			byEmail[domain.NormalizeEmail(insights[i].Email)] = &insights[i]
		}
		var stale []string
		for i, f := range facts {
			f.Insight = byEmail[emails[i]]
			if f.Insight == nil || f.Insight.RebuiltAt.Before(f.FreshUntil) {
				stale = append(stale, emails[i])
			}
		}
		if need&needPurchases != 0 && len(stale) > 0 {
			aggs, err := e.repo.AggregateOrders(ctx, tenantID, stale, now)
			if err != nil {
				return nil, fmt.Errorf("aggregate orders: %w", err)
			}
			aggByEmail := make(map[string]*domain.OrderAggregate, len(aggs))
			for i := range aggs {
				aggByEmail[domain.NormalizeEmail(aggs[i].Email)] = &aggs[i]
			}
			for i, f := range facts {
				f.Orders = aggByEmail[emails[i]]
			}
		}
	}

	if need&needViews != 0 {
		since := now.Add(-days(maxViewDays(rules)))
		views, err := e.repo.ShowViewsFor(ctx, tenantID, emails, since)
		if err != nil {
			return nil, fmt.Errorf("load show views: %w", err)
		}
		paid, err := e.repo.PaidEventIDs(ctx, tenantID, emails)
		if err != nil {
			return nil, fmt.Errorf("load paid events: %w", err)
		}
		idx := make(map[string]int, len(emails))
		for i, em := range emails {
			idx[em] = i
		}
		for _, v := range views {
			if i, ok := idx[domain.NormalizeEmail(v.Email)]; ok {
				facts[i].Views = append(facts[i].Views, v)
			}
		}
		for i, f := range facts {
			f.PaidEvents = make(map[string]bool)
			for _, id := range paid[emails[i]] {
				f.PaidEvents[id] = true
			}
		}
	}
	return facts, nil
}

func maxViewDays(rules RuleSet) int {
	n := 0
	for _, r := range rules {
		if v, ok := r.(ViewedWithoutPurchaseRule); ok && v.Days > n {
			n = v.Days
		}
	}
	return n
}
