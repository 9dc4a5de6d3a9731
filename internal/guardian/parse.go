// Package guardian keeps the destination guild's layout under control: it
// sorts the two moveable categories, expires their stale channels, and
// snapshots the layout for operator reference. Channels anywhere else are
// never touched.
package guardian

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// The two moveable categories, matched by name.
const (
	CategoryReleaseGuides = "Release Guides"
	CategoryDailySchedule = "Daily Schedule"
)

var (
	monthDayRe = regexp.MustCompile(`\b(\d{1,2})[-/](\d{1,2})\b`)
	clockRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(am|pm)\b`)
)

// ParseMonthDay extracts an MM-DD date from a channel name, interpreted in
// the given year. Decorative separators do not interfere because the match
// is digit-anchored.
func ParseMonthDay(name string, year int) (time.Time, bool) {
	match := monthDayRe.FindStringSubmatch(name)
	if match == nil {
		return time.Time{}, false
	}
	month, _ := strconv.Atoi(match[1])
	day, _ := strconv.Atoi(match[2])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

// ParseClock extracts an H(am|pm) time from a channel name as a 24-hour
// value.
func ParseClock(name string) (int, bool) {
	match := clockRe.FindStringSubmatch(name)
	if match == nil {
		return 0, false
	}
	hour, _ := strconv.Atoi(match[1])
	if hour < 1 || hour > 12 {
		return 0, false
	}
	if hour == 12 {
		hour = 0
	}
	if strings.EqualFold(match[2], "pm") {
		hour += 12
	}
	return hour, true
}

// entry is one channel under ordering consideration.
type entry struct {
	ID   string
	Name string
}

// sortByMonthDay orders entries by parsed date ascending, unparseable names
// last in stable order.
func sortByMonthDay(entries []entry, year int) []entry {
	out := append([]entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		di, oki := ParseMonthDay(out[i].Name, year)
		dj, okj := ParseMonthDay(out[j].Name, year)
		if oki != okj {
			return oki
		}
		if !oki {
			return false
		}
		return di.Before(dj)
	})
	return out
}

// sortByClock orders entries by parsed 24-hour time ascending, unparseable
// names last in stable order.
func sortByClock(entries []entry) []entry {
	out := append([]entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		hi, oki := ParseClock(out[i].Name)
		hj, okj := ParseClock(out[j].Name)
		if oki != okj {
			return oki
		}
		if !oki {
			return false
		}
		return hi < hj
	})
	return out
}

func sameOrder(a, b []entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
