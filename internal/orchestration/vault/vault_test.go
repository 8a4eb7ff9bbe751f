package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

func newTestVault(t *testing.T) (*Vault, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	v, err := New("test-secret", nil, clk)
	require.NoError(t, err)
	return v, clk
}

func addUser(t *testing.T, v *Vault, id string) *User {
	t.Helper()
	u, err := v.AddUser(User{ID: id, DisplayName: id, CanAddKeys: true})
	require.NoError(t, err)
	return u
}

func addKey(t *testing.T, v *Vault, userID string, in KeyInput) *KeyInfo {
	t.Helper()
	if in.Plaintext == "" {
		in.Plaintext = "sk-" + userID
	}
	k, err := v.AddKey(userID, in)
	require.NoError(t, err)
	return k
}

func TestVault_New_RequiresSecret(t *testing.T) {
	_, err := New("", nil, nil)
	require.ErrorIs(t, err, swarmerr.ErrConfiguration)
}

func TestVault_EncryptionRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	addUser(t, v, "u1")

	k := addKey(t, v, "u1", KeyInput{Provider: "anthropic", Plaintext: "sk-ant-secret-123"})

	got, err := v.Decrypt(k.ID)
	require.NoError(t, err)
	require.Equal(t, "sk-ant-secret-123", got)

	// A vault derived from a different secret cannot open the blob.
	other, err := New("other-secret", nil, nil)
	require.NoError(t, err)
	blob := v.keys[k.ID].encrypted
	_, err = other.decrypt(blob)
	require.Error(t, err)
}

func TestVault_AddKey_Rules(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.AddKey("missing", KeyInput{Plaintext: "sk-1"})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	_, err = v.AddUser(User{ID: "locked", CanAddKeys: false})
	require.NoError(t, err)
	_, err = v.AddKey("locked", KeyInput{Plaintext: "sk-1"})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	_, err = v.AddUser(User{ID: "capped", CanAddKeys: true, MaxKeys: 1})
	require.NoError(t, err)
	addKey(t, v, "capped", KeyInput{Plaintext: "sk-1"})
	_, err = v.AddKey("capped", KeyInput{Plaintext: "sk-2"})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	addUser(t, v, "u1")
	_, err = v.AddKey("u1", KeyInput{})
	require.ErrorIs(t, err, swarmerr.ErrValidation, "empty key material refused")
}

func TestVault_AddKey_Defaults(t *testing.T) {
	v, _ := newTestVault(t)
	addUser(t, v, "u1")

	k := addKey(t, v, "u1", KeyInput{Provider: "anthropic"})
	require.Equal(t, []string{TaskTypeGeneric}, k.TaskTypes)
	require.True(t, k.Active)
}

func TestVault_Export_OmitsKeyMaterial(t *testing.T) {
	v, _ := newTestVault(t)
	addUser(t, v, "u1")
	addKey(t, v, "u1", KeyInput{Provider: "anthropic", Plaintext: "sk-secret", Priority: 2})
	addKey(t, v, "u1", KeyInput{Provider: "openai", Plaintext: "sk-other", Priority: 1})

	exported, err := v.Export("u1")
	require.NoError(t, err)
	require.Len(t, exported, 2)
	require.Equal(t, "openai", exported[0].Provider, "sorted by ascending priority")
	for _, info := range exported {
		require.NotContains(t, info.Provider, "sk-")
	}

	_, err = v.Export("missing")
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestVault_DeleteUser_RemovesKeys(t *testing.T) {
	v, _ := newTestVault(t)
	addUser(t, v, "u1")
	k := addKey(t, v, "u1", KeyInput{})

	require.NoError(t, v.DeleteUser("u1"))
	_, err := v.GetKey(k.ID)
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestVault_UpdateKey(t *testing.T) {
	v, _ := newTestVault(t)
	addUser(t, v, "u1")
	k := addKey(t, v, "u1", KeyInput{Priority: 5})

	prio := 1
	quota := 50_000
	got, err := v.UpdateKey(k.ID, KeyPatch{Priority: &prio, MonthlyQuota: &quota})
	require.NoError(t, err)
	require.Equal(t, 1, got.Priority)
	require.Equal(t, 50_000, got.MonthlyQuota)
}

func TestVault_SelectKey(t *testing.T) {
	v, clk := newTestVault(t)
	addUser(t, v, "u1")

	low := addKey(t, v, "u1", KeyInput{Provider: "anthropic", Priority: 1})
	clk.Advance(time.Second)
	addKey(t, v, "u1", KeyInput{Provider: "anthropic", Priority: 2})
	clk.Advance(time.Second)
	openai := addKey(t, v, "u1", KeyInput{Provider: "openai", Priority: 3})

	// Priority strategy picks the lowest priority number.
	got, err := v.SelectKey("u1", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, low.ID, got.ID)

	// Provider filter.
	got, err = v.SelectKey("u1", SelectOptions{Provider: "openai"})
	require.NoError(t, err)
	require.Equal(t, openai.ID, got.ID)

	// Deactivated keys are skipped.
	require.NoError(t, v.DeactivateKey(low.ID))
	got, err = v.SelectKey("u1", SelectOptions{Provider: "anthropic"})
	require.NoError(t, err)
	require.NotEqual(t, low.ID, got.ID)

	// No candidates yields nil without error.
	got, err = v.SelectKey("u1", SelectOptions{Provider: "google"})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestVault_SelectKey_ModelAllowance(t *testing.T) {
	v, clk := newTestVault(t)
	addUser(t, v, "u1")

	pinned := addKey(t, v, "u1", KeyInput{Priority: 1, AllowedModels: []string{"claude-opus-4"}})
	clk.Advance(time.Second)
	open := addKey(t, v, "u1", KeyInput{Priority: 2})

	got, err := v.SelectKey("u1", SelectOptions{Model: "claude-opus-4"})
	require.NoError(t, err)
	require.Equal(t, pinned.ID, got.ID)

	// An empty allow-list admits any model; a mismatched pin does not.
	got, err = v.SelectKey("u1", SelectOptions{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	require.Equal(t, open.ID, got.ID)
}

func TestVault_SelectKey_TaskTypePreference(t *testing.T) {
	v, clk := newTestVault(t)
	addUser(t, v, "u1")

	generic := addKey(t, v, "u1", KeyInput{Priority: 1})
	clk.Advance(time.Second)
	review := addKey(t, v, "u1", KeyInput{Priority: 2, TaskTypes: []string{"review"}})

	// A specialised key beats a cheaper generic one for its task type.
	got, err := v.SelectKey("u1", SelectOptions{TaskType: "review"})
	require.NoError(t, err)
	require.Equal(t, review.ID, got.ID)

	// Unmatched task types fall back to generic keys.
	got, err = v.SelectKey("u1", SelectOptions{TaskType: "testing"})
	require.NoError(t, err)
	require.Equal(t, generic.ID, got.ID)
}

func TestVault_SelectKey_Strategies(t *testing.T) {
	v, clk := newTestVault(t)
	addUser(t, v, "u1")

	a := addKey(t, v, "u1", KeyInput{Priority: 1})
	clk.Advance(time.Second)
	b := addKey(t, v, "u1", KeyInput{Priority: 1})

	// Round robin alternates through equal-priority keys.
	first, err := v.SelectKey("u1", SelectOptions{Strategy: StrategyRoundRobin})
	require.NoError(t, err)
	second, err := v.SelectKey("u1", SelectOptions{Strategy: StrategyRoundRobin})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// Least used prefers the colder key.
	require.NoError(t, v.RecordUsage(UsageEvent{KeyID: a.ID, Tokens: 500}))
	got, err := v.SelectKey("u1", SelectOptions{Strategy: StrategyLeastUsed})
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)

	// Random still returns an eligible key.
	got, err = v.SelectKey("u1", SelectOptions{Strategy: StrategyRandom})
	require.NoError(t, err)
	require.Contains(t, []string{a.ID, b.ID}, got.ID)
}

func TestVault_SelectKey_SkipsExhaustedQuota(t *testing.T) {
	v, clk := newTestVault(t)
	addUser(t, v, "u1")

	small := addKey(t, v, "u1", KeyInput{Priority: 1, MonthlyQuota: 100})
	clk.Advance(time.Second)
	big := addKey(t, v, "u1", KeyInput{Priority: 2})

	require.NoError(t, v.RecordUsage(UsageEvent{KeyID: small.ID, Tokens: 100}))
	got, err := v.SelectKey("u1", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, big.ID, got.ID)

	// The month rollover revives the exhausted key.
	clk.Set(clock.NextMonthStart(clk.Now()))
	got, err = v.SelectKey("u1", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, small.ID, got.ID)
}

func TestVault_SelectKeyForTask_FreeTierFirst(t *testing.T) {
	v, _ := newTestVault(t)
	_, err := v.AddUser(User{
		ID:         "u1",
		CanAddKeys: true,
		FreeTier:   FreeTier{Enabled: true, FreeTokensPerMonth: 1000},
	})
	require.NoError(t, err)
	personal := addKey(t, v, "u1", KeyInput{})

	key, free, err := v.SelectKeyForTask("u1", "review", SelectOptions{})
	require.NoError(t, err)
	require.True(t, free)
	require.Nil(t, key)

	// Exhausting the allowance falls back to personal keys.
	require.NoError(t, v.RecordFreeTierUsage("u1", 1000))
	key, free, err = v.SelectKeyForTask("u1", "review", SelectOptions{})
	require.NoError(t, err)
	require.False(t, free)
	require.Equal(t, personal.ID, key.ID)
}

func TestVault_CheckFreeTier(t *testing.T) {
	v, clk := newTestVault(t)
	_, err := v.AddUser(User{
		ID: "u1",
		FreeTier: FreeTier{
			Enabled:            true,
			FreeTokensPerMonth: 1000,
			FreeTaskTypes:      []string{"review", "testing"},
		},
	})
	require.NoError(t, err)

	res, err := v.CheckFreeTier("u1", "review", 400)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1000, res.Remaining)

	// Uncovered task types are refused, not errored.
	res, err = v.CheckFreeTier("u1", "design", 400)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Estimates above the remainder are refused.
	require.NoError(t, v.RecordFreeTierUsage("u1", 900))
	res, err = v.CheckFreeTier("u1", "review", 400)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 100, res.Remaining)

	// Month rollover resets the counter lazily.
	clk.Set(clock.NextMonthStart(clk.Now()))
	res, err = v.CheckFreeTier("u1", "review", 400)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1000, res.Remaining)
}

func TestVault_CheckQuota(t *testing.T) {
	v, clk := newTestVault(t)
	addUser(t, v, "u1")
	unlimited := addKey(t, v, "u1", KeyInput{})
	capped := addKey(t, v, "u1", KeyInput{MonthlyQuota: 500})

	res, err := v.CheckQuota(unlimited.ID)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, -1, res.Remaining)

	require.NoError(t, v.RecordUsage(UsageEvent{KeyID: capped.ID, Tokens: 500}))
	res, err = v.CheckQuota(capped.ID)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
	require.Equal(t, clock.NextMonthStart(clk.Now()), res.ResetAt)
}

func TestVault_CheckUserQuota(t *testing.T) {
	v, _ := newTestVault(t)
	_, err := v.AddUser(User{ID: "u1", CanAddKeys: true, TotalMonthlyQuota: 1000})
	require.NoError(t, err)
	a := addKey(t, v, "u1", KeyInput{})
	b := addKey(t, v, "u1", KeyInput{})

	// The user total folds usage across all their keys.
	require.NoError(t, v.RecordUsage(UsageEvent{KeyID: a.ID, Tokens: 600}))
	require.NoError(t, v.RecordUsage(UsageEvent{KeyID: b.ID, Tokens: 400}))

	res, err := v.CheckUserQuota("u1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
}

func TestVault_CheckRateLimit(t *testing.T) {
	v, clk := newTestVault(t)
	addUser(t, v, "u1")
	k := addKey(t, v, "u1", KeyInput{RateLimit: 2})

	for i := 0; i < 2; i++ {
		res, err := v.CheckRateLimit(k.ID)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := v.CheckRateLimit(k.ID)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 60, res.RetryAfter, "window started on a minute boundary")

	// The next minute window admits again.
	clk.Advance(time.Minute)
	res, err = v.CheckRateLimit(k.ID)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestVault_RecordUsage_History(t *testing.T) {
	v, clk := newTestVault(t)
	addUser(t, v, "u1")
	addUser(t, v, "u2")
	k1 := addKey(t, v, "u1", KeyInput{})
	k2 := addKey(t, v, "u2", KeyInput{})

	require.NoError(t, v.RecordUsage(UsageEvent{KeyID: k1.ID, Model: "claude-sonnet-4", Tokens: 100}))
	clk.Advance(time.Hour)
	require.NoError(t, v.RecordUsage(UsageEvent{KeyID: k2.ID, Tokens: 200}))

	all := v.UsageHistory("")
	require.Len(t, all, 2)
	mine := v.UsageHistory("u1")
	require.Len(t, mine, 1)
	require.Equal(t, k1.ID, mine[0].KeyID)
	require.Equal(t, "u1", mine[0].UserID, "owner stamped from the key")

	// Events age out of the rolling window.
	clk.Advance(31 * 24 * time.Hour)
	require.Empty(t, v.UsageHistory(""))
}
