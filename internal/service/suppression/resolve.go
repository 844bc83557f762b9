package suppression

import "github.com/ignite/audience-engine/internal/domain"

// Decision is the outcome of an eligibility check.
type Decision struct {
	Suppressed bool
	ReasonCode string
}

// Allowed is the decision for an eligible contact.
var Allowed = Decision{}

// Resolve decides send eligibility for marketing mail. A suppression record
// always wins over consent. Only UNSUBSCRIBED, BOUNCED, COMPLAINED and
// TRANSACTIONAL_ONLY consent blocks; any other status, including no record
// at all, is eligible.
func Resolve(status domain.ConsentStatus, sup *domain.Suppression) Decision {
	if sup != nil {
		return Decision{Suppressed: true, ReasonCode: "suppressed:" + string(sup.Type)}
	}
	switch status {
	case domain.ConsentUnsubscribed, domain.ConsentBounced, domain.ConsentComplained, domain.ConsentTransactional:
		return Decision{Suppressed: true, ReasonCode: "consent:" + string(status)}
	}
	return Allowed
}

// Index is a tenant's suppression list keyed by normalized email.
type Index map[string]*domain.Suppression

// NewIndex builds an Index from a loaded list.
func NewIndex(list []domain.Suppression) Index {
	idx := make(Index, len(list))
	for i := range list {
		idx[domain.NormalizeEmail(list[i].Email)] = &list[i]
	}
	return idx
}

// Resolve applies the package Resolve to a contact using the index.
func (idx Index) Resolve(c *domain.Contact) Decision {
	return Resolve(c.ConsentStatus(), idx[domain.NormalizeEmail(c.Email)])
}
