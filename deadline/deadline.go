// Package deadline computes statutory response and cure deadlines.
package deadline

import (
	"time"

	"disputeflow/fault"
)

// SourceKind selects the statutory offset applied to an anchor date.
type SourceKind string

const (
	Direct        SourceKind = "DIRECT"
	AnnualReport  SourceKind = "ANNUAL_REPORT"
	FrivolousCure SourceKind = "FRIVOLOUS_CURE"
	Tier2Cure     SourceKind = "TIER2_CURE"
)

const (
	directDays        = 30
	annualReportDays  = 45
	frivolousCureDays = 15

	// DefaultTier2CureDays is used when no cure window is configured.
	DefaultTier2CureDays = 15
)

// Calculator holds the configurable Tier-2 cure window. The zero value uses
// DefaultTier2CureDays.
type Calculator struct {
	Tier2CureDays int
}

func NewCalculator(tier2CureDays int) Calculator {
	return Calculator{Tier2CureDays: tier2CureDays}
}

// Compute returns the due date for anchor under the given source kind.
func (c Calculator) Compute(anchor time.Time, kind SourceKind) (time.Time, error) {
	if anchor.IsZero() {
		return time.Time{}, fault.New(fault.InvalidAnchorDate, "anchor date is required for %s deadline", kind)
	}
	days, err := c.offset(kind)
	if err != nil {
		return time.Time{}, err
	}
	return Day(anchor).AddDate(0, 0, days), nil
}

func (c Calculator) offset(kind SourceKind) (int, error) {
	switch kind {
	case Direct:
		return directDays, nil
	case AnnualReport:
		return annualReportDays, nil
	case FrivolousCure:
		return frivolousCureDays, nil
	case Tier2Cure:
		if c.Tier2CureDays > 0 {
			return c.Tier2CureDays, nil
		}
		return DefaultTier2CureDays, nil
	default:
		return 0, fault.New(fault.InvalidInput, "unknown deadline source %q", kind)
	}
}

// Compute uses a zero Calculator.
func Compute(anchor time.Time, kind SourceKind) (time.Time, error) {
	return Calculator{}.Compute(anchor, kind)
}

// Day truncates t to its calendar date in UTC.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Passed reports whether the due date has fully elapsed at now.
func Passed(due, now time.Time) bool {
	if due.IsZero() {
		return false
	}
	return !now.UTC().Before(Day(due).AddDate(0, 0, 1))
}

// Late reports whether a response dated responseDate missed the due date.
func Late(due, responseDate time.Time) bool {
	if due.IsZero() {
		return false
	}
	return Day(responseDate).After(Day(due))
}

// DaysUntil counts whole calendar days from now to due; negative once overdue.
func DaysUntil(due, now time.Time) int {
	return int(Day(due).Sub(Day(now)).Hours() / 24)
}
