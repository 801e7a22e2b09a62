package guardian

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuzu/companion/internal/store"
	"yuzu/companion/internal/types"
)

func at(hh, mm int) time.Time {
	return time.Date(2026, 3, 14, hh, mm, 0, 0, time.UTC)
}

func TestIsBedtimeWrapsMidnight(t *testing.T) {
	r := types.UsageRules{Timezone: "UTC", BedtimeStart: "21:00", BedtimeEnd: "06:30"}
	assert.True(t, IsBedtime(r, at(23, 0)))
	assert.False(t, IsBedtime(r, at(7, 0)))
	assert.True(t, IsBedtime(r, at(5, 0)))
	assert.True(t, IsBedtime(r, at(21, 0)))
	assert.True(t, IsBedtime(r, at(6, 30)))
	assert.False(t, IsBedtime(r, at(20, 59)))
}

func TestIsBedtimeSameDayWindow(t *testing.T) {
	r := types.UsageRules{Timezone: "UTC", BedtimeStart: "13:00", BedtimeEnd: "14:30"}
	assert.True(t, IsBedtime(r, at(13, 45)))
	assert.False(t, IsBedtime(r, at(12, 59)))
	assert.False(t, IsBedtime(r, at(23, 0)))
	assert.False(t, IsBedtime(types.UsageRules{}, at(23, 0)))
	same := types.UsageRules{Timezone: "UTC", BedtimeStart: "20:00", BedtimeEnd: "20:00"}
	assert.False(t, IsBedtime(same, at(20, 0)))
}

func TestIsBedtimeUsesRulesTimezone(t *testing.T) {
	r := types.UsageRules{Timezone: "Asia/Tokyo", BedtimeStart: "21:00", BedtimeEnd: "06:30"}
	// 13:00 UTC is 22:00 in Tokyo
	assert.True(t, IsBedtime(r, at(13, 0)))
	assert.False(t, IsBedtime(r, at(3, 0)))
}

func TestMinsUsedTodayMonotonicAndResets(t *testing.T) {
	r := types.UsageRules{Timezone: "UTC"}
	now := at(9, 0)
	today := LocalDate(r, now)
	var tel types.DailyTelemetry
	prev := 0
	for i := 0; i < 10; i++ {
		tel = UpdateTelemetry(tel, 45, today, now)
		m := MinsUsedToday(tel, today)
		assert.GreaterOrEqual(t, m, prev)
		prev = m
	}
	assert.Equal(t, 8, prev) // 450s = 7.5 min, rounded

	tomorrow := LocalDate(r, now.AddDate(0, 0, 1))
	assert.Equal(t, 0, MinsUsedToday(tel, tomorrow))
	tel = UpdateTelemetry(tel, 30, tomorrow, now.AddDate(0, 0, 1))
	assert.Equal(t, tomorrow, tel.Date)
	assert.Equal(t, 30, tel.SecondsSpoken)
}

func TestHasExceededDailyLimit(t *testing.T) {
	r := types.UsageRules{DailyLimitMin: 20}
	tel := types.DailyTelemetry{Date: "2026-03-14", SecondsSpoken: 1300}
	assert.True(t, HasExceededDailyLimit(tel, r, "2026-03-14"))
	assert.False(t, HasExceededDailyLimit(tel, r, "2026-03-15"))
	assert.False(t, HasExceededDailyLimit(tel, types.UsageRules{}, "2026-03-14"))
	tel.SecondsSpoken = 1000
	assert.False(t, HasExceededDailyLimit(tel, r, "2026-03-14"))
}

func TestShouldBreak(t *testing.T) {
	r := types.UsageRules{BreakIntervalMin: 15}
	now := at(10, 0)
	tel := types.DailyTelemetry{Date: "2026-03-14", SecondsSpoken: 60, LastBreakTime: now.Add(-16 * time.Minute).UnixMilli()}
	assert.True(t, ShouldBreak(tel, r, now, "2026-03-14"))
	assert.False(t, ShouldBreak(tel, r, now, "2026-03-15"))

	tel.LastBreakTime = now.Add(-10 * time.Minute).UnixMilli()
	assert.False(t, ShouldBreak(tel, r, now, "2026-03-14"))

	tel.LastBreakTime = now.Add(-time.Hour).UnixMilli()
	tel.SecondsSpoken = 0
	assert.False(t, ShouldBreak(tel, r, now, "2026-03-14"))
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("06:30")
	require.NoError(t, err)
	assert.Equal(t, 390, m)
	for _, bad := range []string{"", "6", "24:00", "10:60", "aa:bb"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newGuardian(t *testing.T, rules types.UsageRules, c *clock) *Guardian {
	t.Helper()
	g := New(store.NewMemory(), rules, 5*time.Minute)
	g.SetClock(c.now)
	return g
}

func TestPostTurnBedtimeFirst(t *testing.T) {
	c := &clock{t: at(23, 0)}
	g := newGuardian(t, types.UsageRules{Timezone: "UTC", DailyLimitMin: 1, BreakIntervalMin: 1, BedtimeStart: "21:00", BedtimeEnd: "06:30"}, c)
	ctx := context.Background()
	_, err := g.RecordSpeech(ctx, 5*time.Minute)
	require.NoError(t, err)

	lk, ok, err := g.PostTurn(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindBedtime, lk.Kind)
	assert.Equal(t, time.Date(2026, 3, 15, 6, 31, 0, 0, time.UTC), lk.Until.UTC())
	assert.Equal(t, Notice(KindBedtime), lk.Message)

	active, ok, err := g.ActiveLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindBedtime, active.Kind)
}

func TestPostTurnDailyLimitBeforeBreak(t *testing.T) {
	c := &clock{t: at(15, 0)}
	g := newGuardian(t, types.UsageRules{Timezone: "UTC", DailyLimitMin: 20, BreakIntervalMin: 1}, c)
	ctx := context.Background()
	_, err := g.RecordSpeech(ctx, 1300*time.Second)
	require.NoError(t, err)
	c.t = c.t.Add(2 * time.Minute)

	lk, ok, err := g.PostTurn(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindDailyLimit, lk.Kind)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), lk.Until.UTC())

	// the lock survives until midnight and then lifts
	c.t = at(23, 59)
	_, ok, _ = g.ActiveLock(ctx)
	assert.True(t, ok)
	c.t = time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)
	_, ok, _ = g.ActiveLock(ctx)
	assert.False(t, ok)
}

func TestPostTurnBreak(t *testing.T) {
	c := &clock{t: at(10, 0)}
	g := newGuardian(t, types.UsageRules{Timezone: "UTC", DailyLimitMin: 60, BreakIntervalMin: 15}, c)
	ctx := context.Background()
	_, err := g.RecordSpeech(ctx, time.Minute)
	require.NoError(t, err)

	_, ok, err := g.PostTurn(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no break before the interval")

	c.t = c.t.Add(16 * time.Minute)
	lk, ok, err := g.PostTurn(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindBreak, lk.Kind)
	assert.Equal(t, c.t.Add(5*time.Minute), lk.Until)

	st, err := g.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Lock)
	assert.Equal(t, KindBreak, st.Lock.Kind)
	assert.False(t, st.ShouldBreak, "interval restarts at the end of the break")

	c.t = c.t.Add(6 * time.Minute)
	_, ok, _ = g.ActiveLock(ctx)
	assert.False(t, ok)
}

func TestStartSessionCountsAndRollsOver(t *testing.T) {
	c := &clock{t: at(8, 0)}
	g := newGuardian(t, types.UsageRules{Timezone: "UTC"}, c)
	ctx := context.Background()
	require.NoError(t, g.StartSession(ctx))
	require.NoError(t, g.StartSession(ctx))
	st, err := g.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Telemetry.SessionsCount)

	c.t = c.t.AddDate(0, 0, 1)
	require.NoError(t, g.StartSession(ctx))
	st, err = g.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Telemetry.SessionsCount)
	assert.Equal(t, "2026-03-15", st.Telemetry.Date)
}

func TestSetRulesValidates(t *testing.T) {
	g := New(store.NewMemory(), types.UsageRules{DailyLimitMin: 30}, 0)
	ctx := context.Background()
	assert.Error(t, g.SetRules(ctx, types.UsageRules{Timezone: "Mars/Olympus"}))
	assert.Error(t, g.SetRules(ctx, types.UsageRules{BedtimeStart: "25:00", BedtimeEnd: "06:00"}))
	assert.Error(t, g.SetRules(ctx, types.UsageRules{DailyLimitMin: -1}))

	r, err := g.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, r.DailyLimitMin)

	require.NoError(t, g.SetRules(ctx, types.UsageRules{Timezone: "UTC", DailyLimitMin: 45, BedtimeStart: "20:00", BedtimeEnd: "07:00"}))
	r, err = g.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45, r.DailyLimitMin)
}
