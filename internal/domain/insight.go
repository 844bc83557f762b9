package domain

import "time"

// CustomerInsight is the per (tenant, contact) purchase aggregate rebuilt in
// batch from paid orders. It is never hand-edited.
type CustomerInsight struct {
	TenantID           string     `json:"tenant_id" db:"tenant_id"`
	ContactID          string     `json:"contact_id" db:"contact_id"`
	Email              string     `json:"email" db:"email"`
	RecencyScore       int        `json:"recency_score" db:"recency_score"`
	FrequencyScore     int        `json:"frequency_score" db:"frequency_score"`
	MonetaryScore      int        `json:"monetary_score" db:"monetary_score"`
	LifetimeOrders     int        `json:"lifetime_orders" db:"lifetime_orders"`
	LifetimeSpendPence int64      `json:"lifetime_spend_pence" db:"lifetime_spend_pence"`
	Orders90d          int        `json:"orders_90d" db:"orders_90d"`
	Spend90dPence      int64      `json:"spend_90d_pence" db:"spend_90d_pence"`
	FirstOrderAt       *time.Time `json:"first_order_at" db:"first_order_at"`
	LastOrderAt        *time.Time `json:"last_order_at" db:"last_order_at"`
	FavouriteVenueID   string     `json:"favourite_venue_id" db:"favourite_venue_id"`
	FavouriteCategory  string     `json:"favourite_category" db:"favourite_category"`
	FavouriteEventType string     `json:"favourite_event_type" db:"favourite_event_type"`
	TopVenueIDs        []string   `json:"top_venue_ids" db:"top_venue_ids"`
	RebuiltAt          time.Time  `json:"rebuilt_at" db:"rebuilt_at"`
}

// OrderAggregate is the live fallback computed straight from the orders
// table when an insight row is missing or stale.
type OrderAggregate struct {
	Email          string     `json:"email"`
	LifetimeOrders int        `json:"lifetime_orders"`
	LifetimeSpend  int64      `json:"lifetime_spend_pence"`
	Orders90d      int        `json:"orders_90d"`
	Spend90d       int64      `json:"spend_90d_pence"`
	LastOrderAt    *time.Time `json:"last_order_at"`
}

// PaidOrder is the minimal order projection the insight builder consumes.
type PaidOrder struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	ContactID   string    `json:"contact_id" db:"contact_id"`
	Email       string    `json:"email" db:"email"`
	AmountPence int64     `json:"amount_pence" db:"amount_pence"`
	PaidAt      time.Time `json:"paid_at" db:"paid_at"`
	EventID     string    `json:"event_id" db:"event_id"`
	VenueID     string    `json:"venue_id" db:"venue_id"`
	Category    string    `json:"category" db:"category"`
	EventType   string    `json:"event_type" db:"event_type"`
}
