package suppression

import "errors"

// Sentinel errors for the suppression service layer.
var (
	ErrNotFound     = errors.New("suppression entry not found")
	ErrEmailMissing = errors.New("email is required")
	ErrInvalidType  = errors.New("invalid suppression type")
)
