package segmentation

import "time"

// Tier is a fixed lifetime-spend band.
type Tier string

const (
	TierNone Tier = ""
	TierLow  Tier = "LOW"
	TierMid  Tier = "MID"
	TierHigh Tier = "HIGH"
)

// Spend cutoffs in pence.
const (
	MidTierFromPence  int64 = 5_000
	HighTierFromPence int64 = 20_000
)

// Valid reports whether t is a matchable tier.
func (t Tier) Valid() bool {
	return t == TierLow || t == TierMid || t == TierHigh
}

// MonetaryTier bands a lifetime spend. Contacts with no spend have no tier.
func MonetaryTier(spendPence int64) Tier {
	switch {
	case spendPence <= 0:
		return TierNone
	case spendPence < MidTierFromPence:
		return TierLow
	case spendPence < HighTierFromPence:
		return TierMid
	}
	return TierHigh
}

// Stage is a derived customer lifecycle stage.
type Stage string

const (
	StageProspect Stage = "PROSPECT"
	StageNew      Stage = "NEW"
	StageActive   Stage = "ACTIVE"
	StageLapsed   Stage = "LAPSED"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageProspect, StageNew, StageActive, StageLapsed:
		return true
	}
	return false
}

// LifecycleStage derives the stage from order history. Lapsed wins over the
// order count once the last order is older than lapsedAfterDays.
func LifecycleStage(orders int, lastOrderAt *time.Time, now time.Time, lapsedAfterDays int) Stage {
	if orders <= 0 || lastOrderAt == nil {
		return StageProspect
	}
	if lastOrderAt.Before(now.Add(-days(lapsedAfterDays))) {
		return StageLapsed
	}
	if orders == 1 {
		return StageNew
	}
	return StageActive
}
