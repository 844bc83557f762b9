package automation

import "errors"

// Sentinel errors for the automation engine.
var (
	ErrNotFound           = errors.New("automation not found")
	ErrAutomationDisabled = errors.New("automation is disabled")
	ErrContactNotFound    = errors.New("contact not found")
	ErrInvalidFlow        = errors.New("invalid automation flow")

	// ErrLeaseLost means another worker now owns the state row. It is a
	// state condition, not a failure, and is never surfaced by ProcessDue.
	ErrLeaseLost = errors.New("automation state lease lost")
)
