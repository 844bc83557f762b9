package domain

import "time"

// CheckoutStatus is the lifecycle of a checkout-start behaviour event.
type CheckoutStatus string

const (
	CheckoutStarted   CheckoutStatus = "STARTED"
	CheckoutCompleted CheckoutStatus = "COMPLETED"
)

// CheckoutEvent records a contact starting checkout. Converted is true when
// a matching completion (paid order) exists for the same checkout.
type CheckoutEvent struct {
	ID        string         `json:"id" db:"id"`
	TenantID  string         `json:"tenant_id" db:"tenant_id"`
	ContactID string         `json:"contact_id" db:"contact_id"`
	Email     string         `json:"email" db:"email"`
	EventID   string         `json:"event_id" db:"event_id"`
	Status    CheckoutStatus `json:"status" db:"status"`
	StartedAt time.Time      `json:"started_at" db:"started_at"`
	Converted bool           `json:"converted"`
}

// CheckoutCursor positions a page of open checkouts after the last event
// already seen. The zero value starts from the oldest.
type CheckoutCursor struct {
	StartedAt time.Time
	ID        string
}

// ShowView records a contact viewing an event page.
type ShowView struct {
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Email    string    `json:"email" db:"email"`
	EventID  string    `json:"event_id" db:"event_id"`
	ViewedAt time.Time `json:"viewed_at" db:"viewed_at"`
}
