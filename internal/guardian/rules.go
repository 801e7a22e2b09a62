package guardian

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"yuzu/companion/internal/types"
)

const dateLayout = "2006-01-02"

// Location resolves the rules' timezone, falling back to the process local zone.
func Location(rules types.UsageRules) *time.Location {
	if rules.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(rules.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// LocalDate is the calendar date of now in the rules' timezone.
func LocalDate(rules types.UsageRules, now time.Time) string {
	return now.In(Location(rules)).Format(dateLayout)
}

func stale(t types.DailyTelemetry, today string) bool { return t.Date != today }

// MinsUsedToday is zero for telemetry from another day, else secondsSpoken/60 rounded.
func MinsUsedToday(t types.DailyTelemetry, today string) int {
	if stale(t, today) {
		return 0
	}
	return int(math.Round(float64(t.SecondsSpoken) / 60))
}

// ShouldBreak is true when the break interval has elapsed since the last break
// and the child has spoken at all today. A non-positive interval disables breaks.
func ShouldBreak(t types.DailyTelemetry, rules types.UsageRules, now time.Time, today string) bool {
	if stale(t, today) || rules.BreakIntervalMin <= 0 {
		return false
	}
	interval := int64(rules.BreakIntervalMin) * int64(time.Minute/time.Millisecond)
	return now.UnixMilli()-t.LastBreakTime >= interval && t.SecondsSpoken > 0
}

// ParseClock turns "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hh*60 + mm, nil
}

// IsBedtime checks the local clock against [start, end]. When start > end the
// window wraps midnight. Missing, malformed or equal bounds disable bedtime.
func IsBedtime(rules types.UsageRules, now time.Time) bool {
	start, err := ParseClock(rules.BedtimeStart)
	if err != nil {
		return false
	}
	end, err := ParseClock(rules.BedtimeEnd)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}
	local := now.In(Location(rules))
	cur := local.Hour()*60 + local.Minute()
	if start > end {
		return cur >= start || cur <= end
	}
	return cur >= start && cur <= end
}

// HasExceededDailyLimit compares rounded minutes against the limit. A non-positive limit never trips.
func HasExceededDailyLimit(t types.DailyTelemetry, rules types.UsageRules, today string) bool {
	if rules.DailyLimitMin <= 0 {
		return false
	}
	return MinsUsedToday(t, today) >= rules.DailyLimitMin
}

// UpdateTelemetry adds seconds to today's record, starting a fresh record when the day rolled over.
func UpdateTelemetry(t types.DailyTelemetry, seconds int, today string, now time.Time) types.DailyTelemetry {
	if seconds < 0 {
		seconds = 0
	}
	if stale(t, today) {
		return types.DailyTelemetry{Date: today, SecondsSpoken: seconds, LastBreakTime: now.UnixMilli()}
	}
	t.SecondsSpoken += seconds
	if t.LastBreakTime == 0 {
		t.LastBreakTime = now.UnixMilli()
	}
	return t
}

// bedtimeEnds returns the next instant the bedtime window closes after now.
func bedtimeEnds(rules types.UsageRules, now time.Time) time.Time {
	end, err := ParseClock(rules.BedtimeEnd)
	if err != nil {
		return now
	}
	local := now.In(Location(rules))
	t := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, local.Location())
	// the window is inclusive of its end minute
	t = t.Add(time.Minute)
	if !t.After(local) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// nextMidnight is the start of the next local day.
func nextMidnight(rules types.UsageRules, now time.Time) time.Time {
	local := now.In(Location(rules))
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location()).AddDate(0, 0, 1)
}
