package vault

import (
	"time"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/events"
)

// FreeTierResult is the answer to a free-tier admission check.
type FreeTierResult struct {
	Allowed   bool
	Remaining int
	Reason    string
}

// QuotaResult is the answer to a monthly-quota check.
type QuotaResult struct {
	Allowed   bool
	Remaining int // -1 when unlimited
	ResetAt   time.Time
}

// RateLimitResult is the answer to a per-minute rate-limit check.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter int // seconds until the minute window rolls over
}

// CheckFreeTier checks whether the user's free tier admits estimatedTokens
// of taskType work. Month rollover resets the counter lazily.
func (v *Vault) CheckFreeTier(userID, taskType string, estimatedTokens int) (FreeTierResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkFreeTier(userID, taskType, estimatedTokens)
}

// checkFreeTier requires the vault lock.
func (v *Vault) checkFreeTier(userID, taskType string, estimatedTokens int) (FreeTierResult, error) {
	u, err := v.user(userID)
	if err != nil {
		return FreeTierResult{}, err
	}

	ft := &u.FreeTier
	if !ft.Enabled {
		return FreeTierResult{Reason: "free tier disabled"}, nil
	}

	month := clock.MonthKey(v.clk.Now())
	if ft.FreeMonth != month {
		ft.FreeTokensUsed = 0
		ft.FreeMonth = month
	}

	if len(ft.FreeTaskTypes) > 0 && !contains(ft.FreeTaskTypes, taskType) {
		return FreeTierResult{Reason: "task type not covered by free tier"}, nil
	}

	remaining := ft.FreeTokensPerMonth - ft.FreeTokensUsed
	if remaining <= 0 {
		return FreeTierResult{Remaining: 0, Reason: "free tier exhausted"}, nil
	}
	if estimatedTokens > remaining {
		return FreeTierResult{Remaining: remaining, Reason: "estimated tokens exceed free remainder"}, nil
	}
	return FreeTierResult{Allowed: true, Remaining: remaining}, nil
}

// RecordFreeTierUsage counts tokens against the user's free allowance.
func (v *Vault) RecordFreeTierUsage(userID string, tokens int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, err := v.user(userID)
	if err != nil {
		return err
	}

	month := clock.MonthKey(v.clk.Now())
	if u.FreeTier.FreeMonth != month {
		u.FreeTier.FreeTokensUsed = 0
		u.FreeTier.FreeMonth = month
	}
	u.FreeTier.FreeTokensUsed += tokens
	return nil
}

// CheckQuota checks a key's monthly token quota. A zero quota is
// unlimited; the reset instant is the next month start.
func (v *Vault) CheckQuota(keyID string) (QuotaResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	k, err := v.key(keyID)
	if err != nil {
		return QuotaResult{}, err
	}

	v.rolloverKey(k)
	resetAt := clock.NextMonthStart(v.clk.Now())
	if k.MonthlyQuota == 0 {
		return QuotaResult{Allowed: true, Remaining: -1, ResetAt: resetAt}, nil
	}
	remaining := k.MonthlyQuota - k.TokensUsed
	if remaining < 0 {
		remaining = 0
	}
	return QuotaResult{Allowed: remaining > 0, Remaining: remaining, ResetAt: resetAt}, nil
}

// CheckUserQuota applies the user's total monthly allowance across all
// their keys.
func (v *Vault) CheckUserQuota(userID string) (QuotaResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, err := v.user(userID)
	if err != nil {
		return QuotaResult{}, err
	}

	now := v.clk.Now()
	month := clock.MonthKey(now)
	if u.QuotaMonth != month {
		u.TokensUsedThisMonth = 0
		u.QuotaMonth = month
	}

	resetAt := clock.NextMonthStart(now)
	if u.TotalMonthlyQuota == 0 {
		return QuotaResult{Allowed: true, Remaining: -1, ResetAt: resetAt}, nil
	}
	remaining := u.TotalMonthlyQuota - u.TokensUsedThisMonth
	if remaining < 0 {
		remaining = 0
	}
	return QuotaResult{Allowed: remaining > 0, Remaining: remaining, ResetAt: resetAt}, nil
}

// CheckRateLimit admits or rejects a request against the key's per-minute
// limit, consuming one slot when admitted.
func (v *Vault) CheckRateLimit(keyID string) (RateLimitResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	k, err := v.key(keyID)
	if err != nil {
		return RateLimitResult{}, err
	}

	now := v.clk.Now()
	minute := clock.MinuteBucket(now)
	if k.RateLimitMinute != minute {
		k.RequestsThisMinute = 0
		k.RateLimitMinute = minute
	}

	if k.RateLimit > 0 && k.RequestsThisMinute >= k.RateLimit {
		retry := clock.SecondsToNextMinute(now)
		log.Debug(log.CatVault, "Rate limit hit", "keyID", keyID, "retryAfter", retry)
		if v.bus != nil {
			v.bus.Publish(events.RateLimitHit, "", events.RateLimitPayload{
				KeyID:      keyID,
				RetryAfter: retry,
			})
		}
		return RateLimitResult{Allowed: false, RetryAfter: retry}, nil
	}

	k.RequestsThisMinute++
	return RateLimitResult{Allowed: true}, nil
}

// peekRateLimit reports admissibility without consuming a slot. Caller
// holds the vault lock.
func (v *Vault) peekRateLimit(k *apiKey) bool {
	minute := clock.MinuteBucket(v.clk.Now())
	if k.RateLimitMinute != minute {
		return true
	}
	return k.RateLimit == 0 || k.RequestsThisMinute < k.RateLimit
}

// rolloverKey lazily resets a key's month bucket. Caller holds the vault
// lock.
func (v *Vault) rolloverKey(k *apiKey) {
	month := clock.MonthKey(v.clk.Now())
	if k.QuotaMonth != month {
		k.TokensUsed = 0
		k.QuotaMonth = month
	}
}

// RecordUsage counts consumed tokens against the key's month bucket, the
// owning user's month total, and the rolling usage history. Emits KeyUsage
// and, when the key's quota is newly breached, QuotaExceeded.
func (v *Vault) RecordUsage(ev UsageEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	k, err := v.key(ev.KeyID)
	if err != nil {
		return err
	}
	u, err := v.user(k.UserID)
	if err != nil {
		return err
	}

	now := v.clk.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.UserID = k.UserID

	v.rolloverKey(k)
	k.TokensUsed += ev.Tokens

	month := clock.MonthKey(now)
	if u.QuotaMonth != month {
		u.TokensUsedThisMonth = 0
		u.QuotaMonth = month
	}
	u.TokensUsedThisMonth += ev.Tokens

	// Roll the history window forward before appending.
	cutoff := now.Add(-historyWindow)
	kept := v.history[:0]
	for _, h := range v.history {
		if h.Timestamp.After(cutoff) {
			kept = append(kept, h)
		}
	}
	v.history = append(kept, ev)

	if v.bus != nil {
		v.bus.Publish(events.KeyUsage, "", events.KeyUsagePayload{
			UserID: k.UserID,
			KeyID:  k.ID,
			Tokens: ev.Tokens,
		})
		if k.MonthlyQuota > 0 && k.TokensUsed >= k.MonthlyQuota {
			v.bus.Publish(events.QuotaExceeded, "", events.QuotaPayload{
				UserID: k.UserID,
				KeyID:  k.ID,
				Used:   k.TokensUsed,
				Quota:  k.MonthlyQuota,
			})
		}
	}
	return nil
}

// UsageHistory returns the usage events recorded in the rolling window,
// optionally filtered by user.
func (v *Vault) UsageHistory(userID string) []UsageEvent {
	v.mu.Lock()
	defer v.mu.Unlock()

	cutoff := v.clk.Now().Add(-historyWindow)
	var out []UsageEvent
	for _, h := range v.history {
		if !h.Timestamp.After(cutoff) {
			continue
		}
		if userID != "" && h.UserID != userID {
			continue
		}
		out = append(out, h)
	}
	return out
}
