package dynpresence

import "time"

// IsNightTime reports whether the time of day of now lies in [start, end).
// Only hours and minutes of start and end are used. A window with end before
// start wraps past midnight, start == end is an empty window.
func IsNightTime(now, start, end time.Time) bool {
	current := minuteOfDay(now)
	from := minuteOfDay(start)
	until := minuteOfDay(end)

	if from <= until {
		return from <= current && current < until
	}

	return current >= from || current < until
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
