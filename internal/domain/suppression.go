package domain

import "time"

// SuppressionType enumerates why an address is hard-blocked.
type SuppressionType string

const (
	SuppressionHardBounce    SuppressionType = "HARD_BOUNCE"
	SuppressionSpamComplaint SuppressionType = "SPAM_COMPLAINT"
	SuppressionManual        SuppressionType = "MANUAL"
)

// Valid reports whether t is a known suppression type.
func (t SuppressionType) Valid() bool {
	switch t {
	case SuppressionHardBounce, SuppressionSpamComplaint, SuppressionManual:
		return true
	}
	return false
}

// Suppression is a tenant-scoped hard block on sending to an address. A
// contact has at most one per tenant.
type Suppression struct {
	ID        string          `json:"id" db:"id"`
	TenantID  string          `json:"tenant_id" db:"tenant_id"`
	Email     string          `json:"email" db:"email"`
	Type      SuppressionType `json:"type" db:"type"`
	Reason    string          `json:"reason" db:"reason"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
