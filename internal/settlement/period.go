// Package settlement implements the distributed weekly settlement engine:
// canonical contributions, deterministic fair-share allocation, quorum
// voting over a data hash, and plan-bound crash-safe payment execution.
package settlement

import (
	"fmt"
	"time"
)

// PeriodOf formats t's ISO year-week as "YYYY-WW".
func PeriodOf(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-%02d", year, week)
}

// PreviousPeriod returns the period one week before t. Settlement runs for
// the week that just closed.
func PreviousPeriod(t time.Time) string {
	return PeriodOf(t.AddDate(0, 0, -7))
}
