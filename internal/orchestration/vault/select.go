package vault

import (
	"sort"
)

// Strategy chooses among the eligible keys of a user.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastUsed  Strategy = "least_used"
	StrategyRandom     Strategy = "random"
)

// SelectOptions narrows key selection. Zero values mean "any".
type SelectOptions struct {
	Provider string
	Model    string
	Strategy Strategy
	TaskType string
	Language string
}

// SelectKey picks one of the user's active keys: filtered by provider,
// model allowance, quota, and rate limit; preferred by task type and
// language; ordered by the strategy.
func (v *Vault) SelectKey(userID string, opts SelectOptions) (*KeyInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selectKey(userID, opts)
}

// selectKey requires the vault lock.
func (v *Vault) selectKey(userID string, opts SelectOptions) (*KeyInfo, error) {
	if _, err := v.user(userID); err != nil {
		return nil, err
	}

	var candidates []*apiKey
	for _, k := range v.keys {
		if k.UserID == userID && k.Active {
			candidates = append(candidates, k)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority == candidates[j].Priority {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].Priority < candidates[j].Priority
	})

	if opts.Provider != "" {
		candidates = filter(candidates, func(k *apiKey) bool { return k.Provider == opts.Provider })
	}
	if opts.Model != "" {
		candidates = filter(candidates, func(k *apiKey) bool {
			return len(k.AllowedModels) == 0 || contains(k.AllowedModels, opts.Model)
		})
	}
	if opts.TaskType != "" {
		preferred := filter(candidates, func(k *apiKey) bool { return contains(k.TaskTypes, opts.TaskType) })
		if len(preferred) > 0 {
			candidates = preferred
		} else {
			candidates = filter(candidates, func(k *apiKey) bool { return contains(k.TaskTypes, TaskTypeGeneric) })
		}
	}
	if opts.Language != "" {
		preferred := filter(candidates, func(k *apiKey) bool { return contains(k.Languages, opts.Language) })
		if len(preferred) > 0 {
			candidates = preferred
		}
	}

	// Quota and rate limit are peeked without consuming a rate slot.
	candidates = filter(candidates, func(k *apiKey) bool {
		v.rolloverKey(k)
		if k.MonthlyQuota > 0 && k.TokensUsed >= k.MonthlyQuota {
			return false
		}
		return v.peekRateLimit(k)
	})

	if len(candidates) == 0 {
		return nil, nil
	}

	var chosen *apiKey
	switch opts.Strategy {
	case StrategyRoundRobin:
		cursor := v.cursors[userID] % len(candidates)
		chosen = candidates[cursor]
		v.cursors[userID] = cursor + 1
	case StrategyLeastUsed:
		chosen = candidates[0]
		for _, k := range candidates[1:] {
			if k.TokensUsed < chosen.TokensUsed {
				chosen = k
			}
		}
	case StrategyRandom:
		chosen = candidates[randIndex(len(candidates))]
	default: // StrategyPriority
		chosen = candidates[0]
	}

	info := chosen.info()
	return &info, nil
}

// SelectKeyForTask tries the free tier first, then falls back to the
// user's personal keys with Priority strategy. usingFreeTier reports which
// path was taken.
func (v *Vault) SelectKeyForTask(userID, taskType string, opts SelectOptions) (key *KeyInfo, usingFreeTier bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	free, err := v.checkFreeTier(userID, taskType, 0)
	if err != nil {
		return nil, false, err
	}
	if free.Allowed {
		return nil, true, nil
	}

	opts.Strategy = StrategyPriority
	opts.TaskType = taskType
	k, err := v.selectKey(userID, opts)
	return k, false, err
}

func filter(keys []*apiKey, pred func(*apiKey) bool) []*apiKey {
	out := keys[:0:0]
	for _, k := range keys {
		if pred(k) {
			out = append(out, k)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortKeys(keys []KeyInfo) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Priority == keys[j].Priority {
			return keys[i].CreatedAt.Before(keys[j].CreatedAt)
		}
		return keys[i].Priority < keys[j].Priority
	})
}
