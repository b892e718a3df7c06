package dispatch

import (
	"fmt"
	"time"

	"github.com/example/remindme/pkg/models"
)

// DayKey returns the calendar-day portion of a slot key for the given
// instant, in that instant's location.
func DayKey(now time.Time) string {
	return now.Format("2006-01-02")
}

// SlotKey identifies one user's due occurrence on one calendar day. It is
// derived from the calendar date and the user's preferred time, never from
// tick counts, so a restart recomputes the same key and clock jumps within
// a day cannot mint a second slot.
func SlotKey(now time.Time, u models.User) string {
	return fmt.Sprintf("%sT%02d:%02d", DayKey(now), u.PreferredHour, u.PreferredMinute)
}

// Due reports whether the user's preferred time has arrived. Membership
// holds from the preferred minute through the grace window, so a tick that
// lands late still picks the user up; the slot key keeps it from firing
// twice.
func Due(now time.Time, u models.User, grace time.Duration) bool {
	floored := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, now.Location())
	scheduled := time.Date(now.Year(), now.Month(), now.Day(), u.PreferredHour, u.PreferredMinute, 0, 0, now.Location())
	diff := floored.Sub(scheduled)
	return diff >= 0 && diff <= grace
}
