package domain

import (
	"strings"
	"time"
)

// ConsentStatus is a contact's blanket marketing consent for one tenant.
type ConsentStatus string

const (
	ConsentSubscribed    ConsentStatus = "SUBSCRIBED"
	ConsentTransactional ConsentStatus = "TRANSACTIONAL_ONLY"
	ConsentUnsubscribed  ConsentStatus = "UNSUBSCRIBED"
	ConsentBounced       ConsentStatus = "BOUNCED"
	ConsentComplained    ConsentStatus = "COMPLAINED"
	ConsentNone          ConsentStatus = "NONE" // no consent record captured
)

// PreferenceStatus is the state of a single preference-topic subscription.
type PreferenceStatus string

const (
	PreferenceSubscribed   PreferenceStatus = "SUBSCRIBED"
	PreferenceUnsubscribed PreferenceStatus = "UNSUBSCRIBED"
)

// Consent records how and when a contact's consent status was captured.
type Consent struct {
	Status      ConsentStatus `json:"status" db:"status"`
	LawfulBasis string        `json:"lawful_basis" db:"lawful_basis"`
	Source      string        `json:"source" db:"source"`
	CapturedAt  *time.Time    `json:"captured_at" db:"captured_at"`
}

// Contact is a tenant-scoped identity keyed by normalized email.
type Contact struct {
	ID          string                      `json:"id" db:"id"`
	TenantID    string                      `json:"tenant_id" db:"tenant_id"`
	Email       string                      `json:"email" db:"email"`
	FirstName   string                      `json:"first_name" db:"first_name"`
	LastName    string                      `json:"last_name" db:"last_name"`
	Phone       string                      `json:"phone" db:"phone"`
	Town        string                      `json:"town" db:"town"`
	Tags        []string                    `json:"tags" db:"tags"`
	Consent     *Consent                    `json:"consent,omitempty"`
	Preferences map[string]PreferenceStatus `json:"preferences,omitempty"`
	CreatedAt   time.Time                   `json:"created_at" db:"created_at"`
}

// NormalizeEmail lowercases and trims an address so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ConsentStatus returns the contact's consent status, or ConsentNone when no
// consent record exists.
func (c *Contact) ConsentStatus() ConsentStatus {
	if c.Consent == nil || c.Consent.Status == "" {
		return ConsentNone
	}
	return c.Consent.Status
}

// HasTag reports whether the contact carries the given label (case-insensitive).
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Preference returns the topic status. Topics are opt-in: a missing entry
// reads as unsubscribed.
func (c *Contact) Preference(topic string) PreferenceStatus {
	if s, ok := c.Preferences[topic]; ok {
		return s
	}
	return PreferenceUnsubscribed
}

// DisplayName joins the name parts, falling back to the email local part.
func (c *Contact) DisplayName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name != "" {
		return name
	}
	if at := strings.IndexByte(c.Email, '@'); at > 0 {
		return c.Email[:at]
	}
	return c.Email
}
