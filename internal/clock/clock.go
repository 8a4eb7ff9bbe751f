// Package clock centralises time and identifier generation so that
// month-rollover and rate-limit logic can be tested with an injected clock.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock access for components that reason about time.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually-advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock pinned to the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to the given instant.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// NewID generates a new unique identifier using UUID v4.
func NewID() string {
	return uuid.New().String()
}

// MonthKey returns the YYYY-MM bucket for t, used by the quota book and the
// free tier for lazy monthly resets.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextMonthStart returns the first instant of the month after t (UTC).
// Quota checks report this as the reset time.
func NextMonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// MinuteBucket returns the integer minute for t, used by per-key rate limits.
func MinuteBucket(t time.Time) int64 {
	return t.Unix() / 60
}

// SecondsToNextMinute returns how long until the current rate-limit window
// rolls over.
func SecondsToNextMinute(t time.Time) int {
	return int(60 - t.Unix()%60)
}
