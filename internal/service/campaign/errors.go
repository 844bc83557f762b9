package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNameRequired      = errors.New("campaign name is required")
	ErrMissingSegment    = errors.New("campaign has no segment")
	ErrMissingTemplate   = errors.New("campaign has no template")
	ErrDuplicatePeriod   = errors.New("campaign already exists for period")
	ErrNotMaterialized   = errors.New("campaign recipients not materialized")

	// Policy errors stop the whole run; no row of the violating batch is sent.
	ErrDailyCapExceeded = errors.New("tenant daily send cap exceeded")
	ErrUnverifiedSender = errors.New("sender domain is not verified")
)

// IsPolicy reports whether err is a run-level policy failure.
func IsPolicy(err error) bool {
	return errors.Is(err, ErrDailyCapExceeded) || errors.Is(err, ErrUnverifiedSender)
}
