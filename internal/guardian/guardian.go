// Package guardian enforces the child-safety usage rules: daily limit, breaks and bedtime.
package guardian

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"yuzu/companion/internal/store"
	"yuzu/companion/internal/types"
)

type Kind string

const (
	KindBedtime    Kind = "bedtime"
	KindDailyLimit Kind = "daily_limit"
	KindBreak      Kind = "break"
)

var notices = map[Kind]string{
	KindBedtime:    "It's sleepy time now. Let's talk again in the morning. Good night!",
	KindDailyLimit: "We had so much fun talking today! Let's rest now and play again tomorrow.",
	KindBreak:      "Time for a little break! Stretch your arms, drink some water, and come back in a few minutes.",
}

// Notice is the spoken text for a lock kind.
func Notice(k Kind) string { return notices[k] }

// Lock is an active restriction on starting a new capture.
type Lock struct {
	Kind    Kind      `json:"kind"`
	Until   time.Time `json:"until"`
	Message string    `json:"message"`
}

// Status summarises today's usage for parents.
type Status struct {
	Rules       types.UsageRules     `json:"rules"`
	Telemetry   types.DailyTelemetry `json:"telemetry"`
	MinsUsed    int                  `json:"mins_used_today"`
	IsBedtime   bool                 `json:"is_bedtime"`
	ShouldBreak bool                 `json:"should_break"`
	Exceeded    bool                 `json:"exceeded_daily_limit"`
	Lock        *Lock                `json:"lock,omitempty"`
}

// Guardian applies the pure rule functions to persisted telemetry, rules and locks.
type Guardian struct {
	mu            sync.Mutex
	st            store.Store
	defaults      types.UsageRules
	breakDuration time.Duration
	now           func() time.Time
}

func New(st store.Store, defaults types.UsageRules, breakDuration time.Duration) *Guardian {
	if breakDuration <= 0 {
		breakDuration = 5 * time.Minute
	}
	return &Guardian{st: st, defaults: defaults, breakDuration: breakDuration, now: time.Now}
}

// SetClock replaces the time source; tests use it to move through the day.
func (g *Guardian) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func (g *Guardian) Now() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now()
}

func (g *Guardian) Rules(ctx context.Context) (types.UsageRules, error) {
	r := g.defaults
	if _, err := store.GetJSON(ctx, g.st, store.KeyRules, &r); err != nil {
		return g.defaults, err
	}
	return r, nil
}

// SetRules validates and persists parent-configured rules.
func (g *Guardian) SetRules(ctx context.Context, r types.UsageRules) error {
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if r.BedtimeStart != "" || r.BedtimeEnd != "" {
		if _, err := ParseClock(r.BedtimeStart); err != nil {
			return err
		}
		if _, err := ParseClock(r.BedtimeEnd); err != nil {
			return err
		}
	}
	if r.DailyLimitMin < 0 || r.BreakIntervalMin < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return store.SetJSON(ctx, g.st, store.KeyRules, r)
}

func (g *Guardian) telemetry(ctx context.Context) (types.DailyTelemetry, error) {
	var t types.DailyTelemetry
	_, err := store.GetJSON(ctx, g.st, store.KeyTelemetry, &t)
	return t, err
}

func (g *Guardian) locks(ctx context.Context) (types.LockState, error) {
	var l types.LockState
	_, err := store.GetJSON(ctx, g.st, store.KeyLocks, &l)
	return l, err
}

// StartSession counts a new conversation session for today.
func (g *Guardian) StartSession(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rules, err := g.Rules(ctx)
	if err != nil {
		return err
	}
	now := g.now()
	t, err := g.telemetry(ctx)
	if err != nil {
		return err
	}
	t = UpdateTelemetry(t, 0, LocalDate(rules, now), now)
	t.SessionsCount++
	return store.SetJSON(ctx, g.st, store.KeyTelemetry, t)
}

// RecordSpeech adds the duration of a completed turn to today's telemetry.
func (g *Guardian) RecordSpeech(ctx context.Context, d time.Duration) (types.DailyTelemetry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rules, err := g.Rules(ctx)
	if err != nil {
		return types.DailyTelemetry{}, err
	}
	now := g.now()
	t, err := g.telemetry(ctx)
	if err != nil {
		return t, err
	}
	t = UpdateTelemetry(t, int(d.Round(time.Second)/time.Second), LocalDate(rules, now), now)
	if err := store.SetJSON(ctx, g.st, store.KeyTelemetry, t); err != nil {
		return t, err
	}
	metricSecondsSpoken.Add(d.Seconds())
	return t, nil
}

// PostTurn runs the post-turn checks in order bedtime, daily limit, break. The first
// match writes its lock and is returned; the caller speaks its notice.
func (g *Guardian) PostTurn(ctx context.Context) (Lock, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rules, err := g.Rules(ctx)
	if err != nil {
		return Lock{}, false, err
	}
	t, err := g.telemetry(ctx)
	if err != nil {
		return Lock{}, false, err
	}
	locks, err := g.locks(ctx)
	if err != nil {
		return Lock{}, false, err
	}
	now := g.now()
	today := LocalDate(rules, now)

	var lk Lock
	switch {
	case IsBedtime(rules, now):
		lk = Lock{Kind: KindBedtime, Until: bedtimeEnds(rules, now)}
		locks.MicLockedUntil = lk.Until.UnixMilli()
	case HasExceededDailyLimit(t, rules, today):
		lk = Lock{Kind: KindDailyLimit, Until: nextMidnight(rules, now)}
		locks.MicLockedUntil = lk.Until.UnixMilli()
	case ShouldBreak(t, rules, now, today):
		lk = Lock{Kind: KindBreak, Until: now.Add(g.breakDuration)}
		locks.BreakLockedUntil = lk.Until.UnixMilli()
		// the next interval counts from the end of this break
		t.LastBreakTime = lk.Until.UnixMilli()
		if err := store.SetJSON(ctx, g.st, store.KeyTelemetry, t); err != nil {
			return Lock{}, false, err
		}
	default:
		return Lock{}, false, nil
	}
	lk.Message = Notice(lk.Kind)
	locks.Reason = string(lk.Kind)
	if err := store.SetJSON(ctx, g.st, store.KeyLocks, locks); err != nil {
		return Lock{}, false, err
	}
	metricLocks.WithLabelValues(string(lk.Kind)).Inc()
	log.Printf("[guardian] lock kind=%s until=%s mins_today=%d", lk.Kind, lk.Until.Format(time.RFC3339), MinsUsedToday(t, today))
	return lk, true, nil
}

// ActiveLock reports the lock that currently refuses new captures, if any.
func (g *Guardian) ActiveLock(ctx context.Context) (Lock, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	locks, err := g.locks(ctx)
	if err != nil {
		return Lock{}, false, err
	}
	return activeLock(locks, g.now())
}

func activeLock(locks types.LockState, now time.Time) (Lock, bool, error) {
	ms := now.UnixMilli()
	if ms < locks.MicLockedUntil {
		k := Kind(locks.Reason)
		if k != KindBedtime && k != KindDailyLimit {
			k = KindDailyLimit
		}
		return Lock{Kind: k, Until: time.UnixMilli(locks.MicLockedUntil), Message: Notice(k)}, true, nil
	}
	if ms < locks.BreakLockedUntil {
		return Lock{Kind: KindBreak, Until: time.UnixMilli(locks.BreakLockedUntil), Message: Notice(KindBreak)}, true, nil
	}
	return Lock{}, false, nil
}

// Status reports today's usage and any active lock.
func (g *Guardian) Status(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rules, err := g.Rules(ctx)
	if err != nil {
		return Status{}, err
	}
	t, err := g.telemetry(ctx)
	if err != nil {
		return Status{}, err
	}
	locks, err := g.locks(ctx)
	if err != nil {
		return Status{}, err
	}
	now := g.now()
	today := LocalDate(rules, now)
	s := Status{
		Rules:       rules,
		Telemetry:   t,
		MinsUsed:    MinsUsedToday(t, today),
		IsBedtime:   IsBedtime(rules, now),
		ShouldBreak: ShouldBreak(t, rules, now, today),
		Exceeded:    HasExceededDailyLimit(t, rules, today),
	}
	if lk, ok, _ := activeLock(locks, now); ok {
		s.Lock = &lk
	}
	return s, nil
}
