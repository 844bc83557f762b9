// Package suppression decides whether a contact may receive marketing mail.
//
// Resolve is the single eligibility rule. The campaign materializer and the
// automation engine both call it, so a contact blocked on one path is blocked
// on the other. The Service wraps the tenant suppression list (hard bounces,
// complaints, manual blocks) and feeds Resolve from it.
//
// The service layer depends on the Repository interface defined in
// repository.go. It never imports net/http or database/sql directly.
package suppression
