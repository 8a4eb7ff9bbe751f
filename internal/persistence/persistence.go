// Package persistence saves and restores session state as JSON files under
// the workspace's .swarm-sessions directory.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/agent"
	"github.com/zjrosen/swarm/internal/orchestration/board"
	"github.com/zjrosen/swarm/internal/orchestration/costs"
	"github.com/zjrosen/swarm/internal/orchestration/mailbox"
	"github.com/zjrosen/swarm/internal/orchestration/session"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// FileVersion is the on-disk format version.
const FileVersion = "1.0.0"

const (
	dirName          = ".swarm-sessions"
	summaryCacheKey  = "summaries"
	summaryCacheTTL  = 30 * time.Second
	cacheSweepPeriod = time.Minute
)

// File is the on-disk shape of one saved session.
type File struct {
	Version      string              `json:"version"`
	SavedAt      time.Time           `json:"saved_at"`
	Session      session.Snapshot    `json:"session"`
	Tasks        []*board.Task       `json:"tasks"`
	Agents       []agent.Snapshot    `json:"agents"`
	Messages     []*mailbox.Message  `json:"messages"`
	CostSummary  *costs.CostSummary  `json:"cost_summary,omitempty"`
	UsageRecords []costs.UsageRecord `json:"usage_records,omitempty"`
}

// Summary is the listing view of a saved session.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	SavedAt    time.Time `json:"saved_at"`
	TaskCount  int       `json:"task_count"`
	AgentCount int       `json:"agent_count"`
}

// unsafeIDChars is replaced with underscores when composing file names,
// which also blocks path traversal.
var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeID maps a session id to a safe file stem.
func SanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// Store reads and writes session files. List results are served through a
// short-lived cache invalidated on every write.
type Store struct {
	dir   string
	cache *gocache.Cache
	clk   clock.Clock
}

// Initialize ensures {workspace}/.swarm-sessions exists and returns a
// store over it.
func Initialize(workspacePath string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	dir := filepath.Join(workspacePath, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeInternal, fmt.Errorf("creating session dir: %w", err))
	}
	return &Store{
		dir:   dir,
		cache: gocache.New(summaryCacheTTL, cacheSweepPeriod),
		clk:   clk,
	}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

// Save writes the session file, replacing any previous save.
func (s *Store) Save(f File) error {
	if f.Session.ID == "" {
		return swarmerr.Newf(swarmerr.CodeValidation, "session id is empty")
	}
	f.Version = FileVersion
	f.SavedAt = s.clk.Now()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeInternal, fmt.Errorf("encoding session: %w", err))
	}

	path := s.pathFor(f.Session.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // G306: local state file
		return swarmerr.Wrap(swarmerr.CodeInternal, fmt.Errorf("writing session file: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return swarmerr.Wrap(swarmerr.CodeInternal, fmt.Errorf("replacing session file: %w", err))
	}

	s.cache.Delete(summaryCacheKey)
	log.Debug(log.CatStore, "Session saved", "sessionID", f.Session.ID)
	return nil
}

// Load reads one saved session.
func (s *Store) Load(id string) (*File, error) {
	data, err := os.ReadFile(s.pathFor(id)) //nolint:gosec // G304: sanitised id
	if err != nil {
		if os.IsNotExist(err) {
			return nil, swarmerr.Newf(swarmerr.CodeSessionNotFound, "no saved session: %s", id)
		}
		return nil, swarmerr.Wrap(swarmerr.CodeInternal, fmt.Errorf("reading session file: %w", err))
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeInternal, fmt.Errorf("decoding session file: %w", err))
	}
	return &f, nil
}

// Exists reports whether a save exists for the id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// Delete removes a saved session. Missing files are not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.pathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return swarmerr.Wrap(swarmerr.CodeInternal, fmt.Errorf("deleting session file: %w", err))
	}
	s.cache.Delete(summaryCacheKey)
	return nil
}

// List returns summaries of every saved session, newest first. Results
// are cached briefly; any write invalidates the cache.
func (s *Store) List() ([]Summary, error) {
	if cached, ok := s.cache.Get(summaryCacheKey); ok {
		return cached.([]Summary), nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeInternal, fmt.Errorf("listing session dir: %w", err))
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name())) //nolint:gosec // G304: listing own dir
		if err != nil {
			continue
		}
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn(log.CatStore, "Skipping unreadable session file", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, Summary{
			ID:         f.Session.ID,
			Name:       f.Session.Name,
			Status:     f.Session.Status.String(),
			SavedAt:    f.SavedAt,
			TaskCount:  len(f.Tasks),
			AgentCount: len(f.Agents),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })

	s.cache.Set(summaryCacheKey, out, gocache.DefaultExpiration)
	return out, nil
}

// Export returns the raw JSON of a saved session.
func (s *Store) Export(id string) ([]byte, error) {
	f, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(f, "", "  ")
}

// Import installs an exported session file. On id collision the imported
// copy gets an "-imported-{timestamp}" suffix. Returns the stored id.
func (s *Store) Import(data []byte) (string, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return "", swarmerr.Newf(swarmerr.CodeValidation, "invalid session export: %v", err)
	}
	if f.Session.ID == "" {
		return "", swarmerr.Newf(swarmerr.CodeValidation, "session export has no id")
	}

	if s.Exists(f.Session.ID) {
		f.Session.ID = fmt.Sprintf("%s-imported-%d", f.Session.ID, s.clk.Now().Unix())
	}
	if err := s.Save(f); err != nil {
		return "", err
	}
	return f.Session.ID, nil
}

// Cleanup keeps the newest maxSessions saves and deletes the rest.
func (s *Store) Cleanup(maxSessions int) (int, error) {
	if maxSessions <= 0 {
		return 0, nil
	}
	summaries, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(summaries) <= maxSessions {
		return 0, nil
	}

	removed := 0
	for _, sum := range summaries[maxSessions:] {
		if err := s.Delete(sum.ID); err != nil {
			log.Warn(log.CatStore, "Cleanup delete failed", "sessionID", sum.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, SanitizeID(id)+".json")
}
