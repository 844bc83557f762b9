package segmentation

import "errors"

// ErrInvalidRule is returned when a rule-set fails to decode or validate.
// No evaluation happens for an invalid rule-set.
var ErrInvalidRule = errors.New("invalid segment rule")
