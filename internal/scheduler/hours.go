package scheduler

import "time"

// marketOpenMinute and marketCloseMinute bound the regular session,
// minutes after midnight Eastern.
const (
	marketOpenMinute  = 9*60 + 30
	marketCloseMinute = 16 * 60
)

var easternTime = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("load America/New_York: " + err.Error())
	}
	return loc
}

// marketOpen reports whether t falls inside the regular US equities
// session: weekdays 09:30 to 16:00 Eastern. Exchange holidays are not
// modelled.
func marketOpen(t time.Time) bool {
	et := t.In(easternTime)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := et.Hour()*60 + et.Minute()
	return minute >= marketOpenMinute && minute < marketCloseMinute
}
