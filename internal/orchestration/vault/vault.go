// Package vault manages per-user API keys and consumption accounting:
// AEAD-encrypted key storage, task-aware key selection, free-tier
// accounting, monthly quotas, and per-minute rate limits.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// TaskTypeGeneric is the fallback task type keys advertise when they are
// not specialised.
const TaskTypeGeneric = "generic"

// FreeTier is a user's shared-allowance configuration. FreeMonth is the
// YYYY-MM bucket the used counter belongs to.
type FreeTier struct {
	Enabled            bool     `json:"enabled"`
	FreeTokensPerMonth int      `json:"free_tokens_per_month"`
	FreeTokensUsed     int      `json:"free_tokens_used"`
	FreeMonth          string   `json:"free_month"`
	FreeModels         []string `json:"free_models,omitempty"`
	FreeTaskTypes      []string `json:"free_task_types,omitempty"`
}

// User is an account that owns API keys.
type User struct {
	ID                  string   `json:"id"`
	DisplayName         string   `json:"display_name"`
	CanAddKeys          bool     `json:"can_add_keys"`
	MaxKeys             int      `json:"max_keys"`
	TotalMonthlyQuota   int      `json:"total_monthly_quota"` // 0 = unlimited
	TokensUsedThisMonth int      `json:"tokens_used_this_month"`
	QuotaMonth          string   `json:"quota_month"`
	IsAdmin             bool     `json:"is_admin"`
	FreeTier            FreeTier `json:"free_tier"`

	CreatedAt time.Time `json:"created_at"`
}

// apiKey is the internal key record; the ciphertext never leaves the
// package except through Decrypt.
type apiKey struct {
	ID            string
	UserID        string
	Provider      string
	encrypted     []byte
	AllowedModels []string
	TaskTypes     []string
	Languages     []string
	Priority      int
	MonthlyQuota  int // 0 = unlimited
	TokensUsed    int
	QuotaMonth    string

	RateLimit          int // requests per minute, 0 = unlimited
	RequestsThisMinute int
	RateLimitMinute    int64

	Active    bool
	CreatedAt time.Time
}

// KeyInfo is the public view of a key. It carries no key material.
type KeyInfo struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Provider            string    `json:"provider"`
	AllowedModels       []string  `json:"allowed_models,omitempty"`
	TaskTypes           []string  `json:"task_types,omitempty"`
	Languages           []string  `json:"languages,omitempty"`
	Priority            int       `json:"priority"`
	MonthlyQuota        int       `json:"monthly_quota"`
	TokensUsedThisMonth int       `json:"tokens_used_this_month"`
	RateLimit           int       `json:"rate_limit"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
}

// UsageEvent is one recorded consumption against a key.
type UsageEvent struct {
	UserID    string    `json:"user_id"`
	KeyID     string    `json:"key_id"`
	Model     string    `json:"model,omitempty"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// historyWindow bounds the rolling usage history.
const historyWindow = 30 * 24 * time.Hour

// Vault owns users, keys, and counters. All operations serialise on one
// mutex; the crypto path itself is stateless per call.
type Vault struct {
	users   map[string]*User
	keys    map[string]*apiKey
	history []UsageEvent
	cursors map[string]int // per-user round-robin cursor
	aeadKey []byte
	bus     *events.Bus
	clk     clock.Clock
	mu      sync.Mutex
}

// New creates a vault. The encryption secret must be non-empty; the AEAD
// key is derived from it by SHA-256.
func New(secret string, bus *events.Bus, clk clock.Clock) (*Vault, error) {
	if secret == "" {
		return nil, swarmerr.Newf(swarmerr.CodeConfiguration, "vault encryption secret is empty")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Vault{
		users:   make(map[string]*User),
		keys:    make(map[string]*apiKey),
		cursors: make(map[string]int),
		aeadKey: sum[:],
		bus:     bus,
		clk:     clk,
	}, nil
}

// encrypt seals plaintext with XChaCha20-Poly1305, nonce prefixed.
func (v *Vault) encrypt(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.aeadKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// decrypt opens a nonce-prefixed ciphertext.
func (v *Vault) decrypt(blob []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.aeadKey)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return "", swarmerr.Newf(swarmerr.CodeInternal, "ciphertext too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting key: %w", err)
	}
	return string(plaintext), nil
}

// AddUser registers a user account.
func (v *Vault) AddUser(u User) (*User, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if u.ID == "" {
		u.ID = clock.NewID()
	}
	if _, exists := v.users[u.ID]; exists {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "user already exists: %s", u.ID)
	}
	now := v.clk.Now()
	u.CreatedAt = now
	u.QuotaMonth = clock.MonthKey(now)
	if u.FreeTier.FreeMonth == "" {
		u.FreeTier.FreeMonth = u.QuotaMonth
	}
	stored := u
	v.users[u.ID] = &stored

	log.Info(log.CatVault, "User added", "userID", u.ID)
	out := stored
	return &out, nil
}

// GetUser returns a copy of the user.
func (v *Vault) GetUser(id string) (*User, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, err := v.user(id)
	if err != nil {
		return nil, err
	}
	out := *u
	return &out, nil
}

// UpdateUser applies fn to the user under the vault lock.
func (v *Vault) UpdateUser(id string, fn func(*User)) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, err := v.user(id)
	if err != nil {
		return err
	}
	fn(u)
	return nil
}

// DeleteUser removes a user and all their keys.
func (v *Vault) DeleteUser(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.user(id); err != nil {
		return err
	}
	delete(v.users, id)
	for kid, k := range v.keys {
		if k.UserID == id {
			delete(v.keys, kid)
		}
	}
	delete(v.cursors, id)
	return nil
}

// ListUsers returns all users.
func (v *Vault) ListUsers() []*User {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*User, 0, len(v.users))
	for _, u := range v.users {
		c := *u
		out = append(out, &c)
	}
	return out
}

// KeyInput carries the caller-supplied fields of AddKey.
type KeyInput struct {
	Provider      string
	Plaintext     string
	AllowedModels []string
	TaskTypes     []string
	Languages     []string
	Priority      int
	MonthlyQuota  int
	RateLimit     int
}

// AddKey encrypts and stores a key for a user, enforcing the user's key
// allowance. The plaintext is not retained.
func (v *Vault) AddKey(userID string, in KeyInput) (*KeyInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, err := v.user(userID)
	if err != nil {
		return nil, err
	}
	if !u.CanAddKeys {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "user %s may not add keys", userID)
	}
	if u.MaxKeys > 0 && v.keyCount(userID) >= u.MaxKeys {
		return nil, swarmerr.Newf(swarmerr.CodeValidation,
			"user %s at key limit: %d", userID, u.MaxKeys)
	}
	if in.Plaintext == "" {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "key material is empty")
	}

	blob, err := v.encrypt(in.Plaintext)
	if err != nil {
		return nil, err
	}

	taskTypes := in.TaskTypes
	if len(taskTypes) == 0 {
		taskTypes = []string{TaskTypeGeneric}
	}
	k := &apiKey{
		ID:            clock.NewID(),
		UserID:        userID,
		Provider:      in.Provider,
		encrypted:     blob,
		AllowedModels: in.AllowedModels,
		TaskTypes:     taskTypes,
		Languages:     in.Languages,
		Priority:      in.Priority,
		MonthlyQuota:  in.MonthlyQuota,
		QuotaMonth:    clock.MonthKey(v.clk.Now()),
		RateLimit:     in.RateLimit,
		Active:        true,
		CreatedAt:     v.clk.Now(),
	}
	v.keys[k.ID] = k

	log.Info(log.CatVault, "Key added", "keyID", k.ID, "userID", userID, "provider", in.Provider)
	info := k.info()
	return &info, nil
}

// KeyPatch describes the mutable fields of a key. Nil leaves unchanged.
type KeyPatch struct {
	AllowedModels *[]string
	TaskTypes     *[]string
	Languages     *[]string
	Priority      *int
	MonthlyQuota  *int
	RateLimit     *int
}

// UpdateKey applies a patch to a key's metadata.
func (v *Vault) UpdateKey(keyID string, patch KeyPatch) (*KeyInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	k, err := v.key(keyID)
	if err != nil {
		return nil, err
	}
	if patch.AllowedModels != nil {
		k.AllowedModels = *patch.AllowedModels
	}
	if patch.TaskTypes != nil {
		k.TaskTypes = *patch.TaskTypes
	}
	if patch.Languages != nil {
		k.Languages = *patch.Languages
	}
	if patch.Priority != nil {
		k.Priority = *patch.Priority
	}
	if patch.MonthlyQuota != nil {
		k.MonthlyQuota = *patch.MonthlyQuota
	}
	if patch.RateLimit != nil {
		k.RateLimit = *patch.RateLimit
	}
	info := k.info()
	return &info, nil
}

// ActivateKey marks a key eligible for selection.
func (v *Vault) ActivateKey(keyID string) error { return v.setActive(keyID, true) }

// DeactivateKey excludes a key from selection without deleting it.
func (v *Vault) DeactivateKey(keyID string) error { return v.setActive(keyID, false) }

func (v *Vault) setActive(keyID string, active bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	k, err := v.key(keyID)
	if err != nil {
		return err
	}
	k.Active = active
	return nil
}

// DeleteKey removes a key.
func (v *Vault) DeleteKey(keyID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.key(keyID); err != nil {
		return err
	}
	delete(v.keys, keyID)
	return nil
}

// Decrypt returns the plaintext of a key. This is the only operation that
// exposes key material; callers must not retain the result.
func (v *Vault) Decrypt(keyID string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	k, err := v.key(keyID)
	if err != nil {
		return "", err
	}
	return v.decrypt(k.encrypted)
}

// ListKeys returns the public views of a user's keys sorted by ascending
// priority, then creation time.
func (v *Vault) ListKeys(userID string) []KeyInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.listKeys(userID)
}

// GetKey returns the public view of one key.
func (v *Vault) GetKey(keyID string) (*KeyInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	k, err := v.key(keyID)
	if err != nil {
		return nil, err
	}
	info := k.info()
	return &info, nil
}

// Export returns the serialisable state of a user's keys for backup. Key
// material is deliberately omitted.
func (v *Vault) Export(userID string) ([]KeyInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.user(userID); err != nil {
		return nil, err
	}
	return v.listKeys(userID), nil
}

func (v *Vault) user(id string) (*User, error) {
	u, ok := v.users[id]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "user not found: %s", id)
	}
	return u, nil
}

func (v *Vault) key(id string) (*apiKey, error) {
	k, ok := v.keys[id]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "key not found: %s", id)
	}
	return k, nil
}

func (v *Vault) keyCount(userID string) int {
	n := 0
	for _, k := range v.keys {
		if k.UserID == userID {
			n++
		}
	}
	return n
}

func (v *Vault) listKeys(userID string) []KeyInfo {
	var out []KeyInfo
	for _, k := range v.keys {
		if k.UserID == userID {
			out = append(out, k.info())
		}
	}
	sortKeys(out)
	return out
}

func (k *apiKey) info() KeyInfo {
	return KeyInfo{
		ID:                  k.ID,
		UserID:              k.UserID,
		Provider:            k.Provider,
		AllowedModels:       append([]string(nil), k.AllowedModels...),
		TaskTypes:           append([]string(nil), k.TaskTypes...),
		Languages:           append([]string(nil), k.Languages...),
		Priority:            k.Priority,
		MonthlyQuota:        k.MonthlyQuota,
		TokensUsedThisMonth: k.TokensUsed,
		RateLimit:           k.RateLimit,
		Active:              k.Active,
		CreatedAt:           k.CreatedAt,
	}
}

// randIndex picks a uniform index using crypto/rand; n must be positive.
func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
