// Package segmentation evaluates declarative audience rule-sets against a
// tenant's contacts.
//
// A rule-set is an implicit AND of typed predicates. Each predicate kind is a
// concrete Go type implementing Rule; the set of kinds is closed and decoded
// from JSON by Parse. Contact-level rules (tags, preference topics) run
// against the contact load alone. Purchase and view rules cause the Evaluator
// to load only the aggregates they need.
package segmentation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
)

// RuleType is the wire discriminator of a rule.
type RuleType string

const (
	RuleTag                   RuleType = "TAG"
	RuleRecency               RuleType = "RECENCY"
	RuleFrequency             RuleType = "FREQUENCY"
	RuleMonetary              RuleType = "MONETARY"
	RuleFavouriteVenue        RuleType = "FAVOURITE_VENUE"
	RuleFavouriteCategory     RuleType = "FAVOURITE_CATEGORY"
	RuleLifecycleStage        RuleType = "LIFECYCLE_STAGE"
	RulePreferenceTopic       RuleType = "PREFERENCE_TOPIC"
	RuleViewedWithoutPurchase RuleType = "VIEWED_WITHOUT_PURCHASE"
)

// needs is the set of aggregate loads a rule depends on.
type needs uint8

const (
	needPurchases needs = 1 << iota
	needInsight
	needViews
)

// Rule is one predicate of a rule-set. The set of implementations is closed.
type Rule interface {
	Type() RuleType
	needs() needs
	validate() error
	match(f *Facts) bool
	wire() wireRule
}

// RuleSet is an implicit AND of rules. An empty set matches every contact.
type RuleSet []Rule

func (rs RuleSet) needs() needs {
	var n needs
	for _, r := range rs {
		n |= r.needs()
	}
	return n
}

// Match reports whether every rule accepts the facts.
func (rs RuleSet) Match(f *Facts) bool {
	for _, r := range rs {
		if !r.match(f) {
			return false
		}
	}
	return true
}

// split separates rules answerable from the contact row alone.
func (rs RuleSet) split() (cheap, expensive RuleSet) {
	for _, r := range rs {
		if r.needs() == 0 {
			cheap = append(cheap, r)
		} else {
			expensive = append(expensive, r)
		}
	}
	return cheap, expensive
}

// TagRule matches contacts carrying Tag, or lacking it when Negate is set.
type TagRule struct {
	Tag    string
	Negate bool
}

// RecencyRule matches contacts whose last paid order is within Days.
type RecencyRule struct {
	Days int
}

// Window selects the order-count window of a FrequencyRule.
type Window string

const (
	WindowLifetime Window = "LIFETIME"
	Window90Days   Window = "90D"
)

// FrequencyRule matches contacts with at least MinOrders paid orders in Window.
type FrequencyRule struct {
	MinOrders int
	Window    Window
}

// MonetaryRule matches contacts whose lifetime spend falls in Tier.
type MonetaryRule struct {
	Tier Tier
}

// FavouriteVenueRule matches on the insight's favourite venue.
type FavouriteVenueRule struct {
	VenueID string
}

// FavouriteCategoryRule matches on the insight's favourite category.
type FavouriteCategoryRule struct {
	Category string
}

// LifecycleRule matches contacts in Stage. LapsedAfterDays defaults to 180.
type LifecycleRule struct {
	Stage           Stage
	LapsedAfterDays int
}

// PreferenceRule matches on a preference-topic subscription.
type PreferenceRule struct {
	Topic  string
	Status domain.PreferenceStatus
}

// ViewedWithoutPurchaseRule matches contacts who viewed an event within Days
// and hold no paid order for it. An empty EventID means any event.
type ViewedWithoutPurchaseRule struct {
	EventID string
	Days    int
}

// DefaultLapsedAfterDays applies when a lifecycle rule omits the threshold.
const DefaultLapsedAfterDays = 180

func (TagRule) Type() RuleType                   { return RuleTag }
func (RecencyRule) Type() RuleType               { return RuleRecency }
func (FrequencyRule) Type() RuleType             { return RuleFrequency }
func (MonetaryRule) Type() RuleType              { return RuleMonetary }
func (FavouriteVenueRule) Type() RuleType        { return RuleFavouriteVenue }
func (FavouriteCategoryRule) Type() RuleType     { return RuleFavouriteCategory }
func (LifecycleRule) Type() RuleType             { return RuleLifecycleStage }
func (PreferenceRule) Type() RuleType            { return RulePreferenceTopic }
func (ViewedWithoutPurchaseRule) Type() RuleType { return RuleViewedWithoutPurchase }

func (TagRule) needs() needs                   { return 0 }
func (RecencyRule) needs() needs               { return needPurchases }
func (FrequencyRule) needs() needs             { return needPurchases }
func (MonetaryRule) needs() needs              { return needPurchases }
func (FavouriteVenueRule) needs() needs        { return needInsight }
func (FavouriteCategoryRule) needs() needs     { return needInsight }
func (LifecycleRule) needs() needs             { return needPurchases }
func (PreferenceRule) needs() needs            { return 0 }
func (ViewedWithoutPurchaseRule) needs() needs { return needViews }

func (r TagRule) match(f *Facts) bool {
	return f.Contact.HasTag(r.Tag) != r.Negate
}

func (r RecencyRule) match(f *Facts) bool {
	p := f.purchases()
	if p.LastOrderAt == nil {
		return false
	}
	return !p.LastOrderAt.Before(f.Now.Add(-days(r.Days)))
}

func (r FrequencyRule) match(f *Facts) bool {
	p := f.purchases()
	if r.Window == Window90Days {
		return p.Orders90d >= r.MinOrders
	}
	return p.LifetimeOrders >= r.MinOrders
}

func (r MonetaryRule) match(f *Facts) bool {
	return MonetaryTier(f.purchases().LifetimeSpend) == r.Tier
}

func (r FavouriteVenueRule) match(f *Facts) bool {
	return f.Insight != nil && f.Insight.FavouriteVenueID != "" && f.Insight.FavouriteVenueID == r.VenueID
}

func (r FavouriteCategoryRule) match(f *Facts) bool {
	return f.Insight != nil && f.Insight.FavouriteCategory != "" && strings.EqualFold(f.Insight.FavouriteCategory, r.Category)
}

func (r LifecycleRule) match(f *Facts) bool {
	p := f.purchases()
	return LifecycleStage(p.LifetimeOrders, p.LastOrderAt, f.Now, r.lapsedAfter()) == r.Stage
}

func (r LifecycleRule) lapsedAfter() int {
	if r.LapsedAfterDays <= 0 {
		return DefaultLapsedAfterDays
	}
	return r.LapsedAfterDays
}

func (r PreferenceRule) match(f *Facts) bool {
	return f.Contact.Preference(r.Topic) == r.Status
}

func (r ViewedWithoutPurchaseRule) match(f *Facts) bool {
	since := f.Now.Add(-days(r.Days))
	for _, v := range f.Views {
		if v.ViewedAt.Before(since) {
			continue
		}
		if r.EventID != "" && v.EventID != r.EventID {
			continue
		}
		if !f.PaidEvents[v.EventID] {
			return true
		}
	}
	return false
}

func (r TagRule) validate() error {
	if strings.TrimSpace(r.Tag) == "" {
		return fmt.Errorf("%w: TAG requires value", ErrInvalidRule)
	}
	return nil
}

func (r RecencyRule) validate() error {
	if r.Days <= 0 {
		return fmt.Errorf("%w: RECENCY requires days > 0", ErrInvalidRule)
	}
	return nil
}

func (r FrequencyRule) validate() error {
	if r.MinOrders <= 0 {
		return fmt.Errorf("%w: FREQUENCY requires minOrders > 0", ErrInvalidRule)
	}
	if r.Window != WindowLifetime && r.Window != Window90Days {
		return fmt.Errorf("%w: FREQUENCY window %q", ErrInvalidRule, r.Window)
	}
	return nil
}

func (r MonetaryRule) validate() error {
	if !r.Tier.Valid() {
		return fmt.Errorf("%w: MONETARY tier %q", ErrInvalidRule, r.Tier)
	}
	return nil
}

func (r FavouriteVenueRule) validate() error {
	if r.VenueID == "" {
		return fmt.Errorf("%w: FAVOURITE_VENUE requires value", ErrInvalidRule)
	}
	return nil
}

func (r FavouriteCategoryRule) validate() error {
	if r.Category == "" {
		return fmt.Errorf("%w: FAVOURITE_CATEGORY requires value", ErrInvalidRule)
	}
	return nil
}

func (r LifecycleRule) validate() error {
	if !r.Stage.Valid() {
		return fmt.Errorf("%w: LIFECYCLE_STAGE %q", ErrInvalidRule, r.Stage)
	}
	if r.LapsedAfterDays < 0 {
		return fmt.Errorf("%w: lapsedAfterDays must not be negative", ErrInvalidRule)
	}
	return nil
}

func (r PreferenceRule) validate() error {
	if r.Topic == "" {
		return fmt.Errorf("%w: PREFERENCE_TOPIC requires value", ErrInvalidRule)
	}
	if r.Status != domain.PreferenceSubscribed && r.Status != domain.PreferenceUnsubscribed {
		return fmt.Errorf("%w: PREFERENCE_TOPIC status %q", ErrInvalidRule, r.Status)
	}
	return nil
}

func (r ViewedWithoutPurchaseRule) validate() error {
	if r.Days <= 0 {
		return fmt.Errorf("%w: VIEWED_WITHOUT_PURCHASE requires days > 0", ErrInvalidRule)
	}
	return nil
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// wireRule is the JSON shape of every rule kind.
type wireRule struct {
	Type            RuleType `json:"type"`
	Value           string   `json:"value,omitempty"`
	Negate          bool     `json:"negate,omitempty"`
	Days            int      `json:"days,omitempty"`
	MinOrders       int      `json:"minOrders,omitempty"`
	Window          Window   `json:"window,omitempty"`
	LapsedAfterDays int      `json:"lapsedAfterDays,omitempty"`
	Status          string   `json:"status,omitempty"`
}

func (r TagRule) wire() wireRule {
	return wireRule{Type: RuleTag, Value: r.Tag, Negate: r.Negate}
}
func (r RecencyRule) wire() wireRule { return wireRule{Type: RuleRecency, Days: r.Days} }
func (r FrequencyRule) wire() wireRule {
	return wireRule{Type: RuleFrequency, MinOrders: r.MinOrders, Window: r.Window}
}
func (r MonetaryRule) wire() wireRule { return wireRule{Type: RuleMonetary, Value: string(r.Tier)} }
func (r FavouriteVenueRule) wire() wireRule {
	return wireRule{Type: RuleFavouriteVenue, Value: r.VenueID}
}
func (r FavouriteCategoryRule) wire() wireRule {
	return wireRule{Type: RuleFavouriteCategory, Value: r.Category}
}
func (r LifecycleRule) wire() wireRule {
	return wireRule{Type: RuleLifecycleStage, Value: string(r.Stage), LapsedAfterDays: r.LapsedAfterDays}
}
func (r PreferenceRule) wire() wireRule {
	return wireRule{Type: RulePreferenceTopic, Value: r.Topic, Status: string(r.Status)}
}
func (r ViewedWithoutPurchaseRule) wire() wireRule {
	return wireRule{Type: RuleViewedWithoutPurchase, Value: r.EventID, Days: r.Days}
}

func (w wireRule) rule() (Rule, error) {
	switch RuleType(strings.ToUpper(string(w.Type))) {
	case RuleTag:
		return TagRule{Tag: w.Value, Negate: w.Negate}, nil
	case RuleRecency:
		return RecencyRule{Days: w.Days}, nil
	case RuleFrequency:
		win := Window(strings.ToUpper(string(w.Window)))
		if win == "" {
			win = WindowLifetime
		}
		return FrequencyRule{MinOrders: w.MinOrders, Window: win}, nil
	case RuleMonetary:
		return MonetaryRule{Tier: Tier(strings.ToUpper(w.Value))}, nil
	case RuleFavouriteVenue:
		return FavouriteVenueRule{VenueID: w.Value}, nil
	case RuleFavouriteCategory:
		return FavouriteCategoryRule{Category: w.Value}, nil
	case RuleLifecycleStage:
		return LifecycleRule{Stage: Stage(strings.ToUpper(w.Value)), LapsedAfterDays: w.LapsedAfterDays}, nil
	case RulePreferenceTopic:
		status := domain.PreferenceStatus(strings.ToUpper(w.Status))
		if status == "" {
			status = domain.PreferenceSubscribed
		}
		return PreferenceRule{Topic: w.Value, Status: status}, nil
	case RuleViewedWithoutPurchase:
		return ViewedWithoutPurchaseRule{EventID: w.Value, Days: w.Days}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, w.Type)
}

// Parse decodes and validates a JSON rule-set. Empty input or "null" yields
// an empty set.
func Parse(data []byte) (RuleSet, error) {
	if len(data) == 0 || string(data) == "null" {
		return RuleSet{}, nil
	}
	var wires []wireRule
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	rs := make(RuleSet, 0, len(wires))
	for i, w := range wires {
		r, err := w.rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rs = append(rs, r)
	}
	return rs, nil
}

// Validate checks a programmatically built rule-set.
func (rs RuleSet) Validate() error {
	for i, r := range rs {
		if err := r.validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// MarshalJSON encodes the rule-set in the form Parse accepts.
func (rs RuleSet) MarshalJSON() ([]byte, error) {
	wires := make([]wireRule, len(rs))
	for i, r := range rs {
		wires[i] = r.wire()
	}
	return json.Marshal(wires)
}
