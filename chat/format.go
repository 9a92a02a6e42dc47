package chat

import "time"

// FormatDateHeader returns the day separator label of t relative to now:
// "Today", "Yesterday" or the full date with the weekday.
func FormatDateHeader(t, now time.Time) string {
	now = now.In(t.Location())
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.Location())

	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	}
	return t.Format("Mon, 2 Jan 2006")
}

// FormatClock returns the 24-hour clock label of a message.
func FormatClock(t time.Time) string {
	return t.Format("15:04")
}

// ShowDateHeader reports whether a day separator precedes msgs[i].
func ShowDateHeader(msgs []Message, i int, now time.Time) bool {
	if i == 0 {
		return true
	}
	return FormatDateHeader(msgs[i].CreatedAt, now) != FormatDateHeader(msgs[i-1].CreatedAt, now)
}
