// Package planhist maintains the persistent index of finalized plan
// cycles across daemon restarts. Refresh is budgeted: at most N dirty
// rollouts are re-parsed per call, newest first, so a cold start over a
// large history does not stall the caller.
package planhist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/session-observatory/daemon/internal/logutil"
	"github.com/session-observatory/daemon/internal/rollout"
	"github.com/session-observatory/daemon/internal/turns"
)

const (
	indexVersion  = 1
	indexFileName = "plan-history.json"

	// rediscoverEvery bounds how often the full rollout enumeration runs.
	rediscoverEvery = 15 * time.Second

	// defaultParseBudget is how many dirty sessions one refresh may parse.
	defaultParseBudget = 20

	maxListLimit = 200
)

// Plan is one finalized plan cycle with its project attribution.
type Plan struct {
	turns.PlanCycle
	ProjectPath string         `json:"projectPath"`
	Family      rollout.Family `json:"agentFamily"`
}

// sessionEntry caches one rollout file's extracted plans plus the stat
// fields used for dirtiness checks.
type sessionEntry struct {
	Key         string         `json:"key"` // rollout path
	SessionID   string         `json:"sessionId"`
	Path        string         `json:"path"`
	ProjectPath string         `json:"projectPath"`
	Family      rollout.Family `json:"agentFamily"`
	MtimeMs     int64          `json:"mtimeMs"`
	SizeBytes   int64          `json:"sizeBytes"`
	CreatedAt   time.Time      `json:"createdAt"`
	ModifiedAt  time.Time      `json:"modifiedAt"`
	Plans       []Plan         `json:"plans"`
}

type indexFile struct {
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Sessions  []sessionEntry `json:"sessions"`
}

// Lister enumerates the rollouts the index should track. Production wires
// this to the configured operator roots; tests inject fixtures.
type Lister func() []rollout.Info

// RefreshResult reports what one budgeted refresh accomplished.
type RefreshResult struct {
	Parsed                 int `json:"parsed"`
	RemainingDirtySessions int `json:"remainingDirtySessions"`
}

// Index is the in-memory mirror of the persisted document.
type Index struct {
	mu      sync.Mutex
	path    string
	list    Lister
	limiter *logutil.Limiter
	now     func() time.Time

	entries      map[string]sessionEntry // keyed by rollout path
	lastDiscover time.Time
	parseBudget  int
}

// DefaultPath returns ~/.observatory/plan-history.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".observatory", indexFileName)
}

// Open loads the persisted index, starting empty when the file is missing
// or unparseable.
func Open(path string, list Lister) *Index {
	idx := &Index{
		path:        path,
		list:        list,
		limiter:     logutil.NewLimiter(time.Minute),
		now:         time.Now,
		entries:     make(map[string]sessionEntry),
		parseBudget: defaultParseBudget,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return idx
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return idx
	}
	for _, e := range f.Sessions {
		if e.Key == "" {
			continue
		}
		idx.entries[e.Key] = e
	}
	return idx
}

// SetClock overrides the time source for tests.
func (x *Index) SetClock(now func() time.Time) { x.now = now }

// SetParseBudget overrides the per-refresh parse budget.
func (x *Index) SetParseBudget(n int) {
	if n > 0 {
		x.parseBudget = n
	}
}

// Refresh re-discovers rollouts (rate-limited unless forced), parses up
// to the budget of dirty sessions newest-first, drops vanished ones, and
// persists. Persistence failure is non-fatal.
func (x *Index) Refresh(force bool) RefreshResult {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.now()
	if !force && now.Sub(x.lastDiscover) < rediscoverEvery {
		return RefreshResult{}
	}
	x.lastDiscover = now

	infos := x.list()
	seen := make(map[string]bool, len(infos))
	var dirty []rollout.Info
	for _, info := range infos {
		seen[info.Path] = true
		e, ok := x.entries[info.Path]
		if ok && e.MtimeMs == info.ModTime.UnixMilli() && e.SizeBytes == info.SizeBytes {
			continue
		}
		dirty = append(dirty, info)
	}

	for path := range x.entries {
		if !seen[path] {
			delete(x.entries, path)
		}
	}

	sort.Slice(dirty, func(i, j int) bool { return dirty[i].ModTime.After(dirty[j].ModTime) })

	budget := x.parseBudget
	if budget > len(dirty) {
		budget = len(dirty)
	}
	parsed := 0
	for _, info := range dirty[:budget] {
		if err := x.reparse(info); err != nil {
			x.limiter.Printf("planhist:"+info.Path, "[planhist] parse failed for %s: %v", info.Path, err)
			continue
		}
		parsed++
	}

	if err := x.persistLocked(); err != nil {
		x.limiter.Printf("planhist-persist", "[planhist] persist failed: %v", err)
	}

	return RefreshResult{
		Parsed:                 parsed,
		RemainingDirtySessions: len(dirty) - budget,
	}
}

func (x *Index) reparse(info rollout.Info) error {
	events, err := rollout.ParseFile(info.Path, info.Family)
	if err != nil {
		return err
	}
	nodes := turns.Build(events, info.Family)
	cycles := turns.ExtractPlanCycles(info.SessionID, nodes)

	plans := make([]Plan, 0, len(cycles))
	for _, c := range cycles {
		plans = append(plans, Plan{PlanCycle: c, ProjectPath: info.ProjectPath, Family: info.Family})
	}

	created := info.ModTime
	for _, n := range nodes {
		if !n.Timestamp.IsZero() {
			created = n.Timestamp
			break
		}
	}

	x.entries[info.Path] = sessionEntry{
		Key:         info.Path,
		SessionID:   info.SessionID,
		Path:        info.Path,
		ProjectPath: info.ProjectPath,
		Family:      info.Family,
		MtimeMs:     info.ModTime.UnixMilli(),
		SizeBytes:   info.SizeBytes,
		CreatedAt:   created,
		ModifiedAt:  info.ModTime,
		Plans:       plans,
	}
	return nil
}

func (x *Index) persistLocked() error {
	dir := filepath.Dir(x.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating index dir: %w", err)
	}

	sessions := make([]sessionEntry, 0, len(x.entries))
	for _, e := range x.entries {
		sessions = append(sessions, e)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })

	data, err := json.MarshalIndent(indexFile{
		Version:   indexVersion,
		UpdatedAt: time.Now().UTC(),
		Sessions:  sessions,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".plan-history-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, x.path); err != nil {
		return fmt.Errorf("renaming index file: %w", err)
	}
	committed = true
	return nil
}

// ListQuery filters a plan listing. Zero values mean unfiltered.
type ListQuery struct {
	ProjectPath string
	SessionID   string
	Status      string
	From        time.Time
	To          time.Time
	Limit       int
	Cursor      string
}

// ListResult is one page of plans.
type ListResult struct {
	Items      []Plan `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

type cursor struct {
	TimestampMs int64  `json:"ts"`
	PlanID      string `json:"id"`
}

// List returns plans sorted by (timestamp desc, planId desc), paged by an
// opaque cursor.
func (x *Index) List(q ListQuery) ListResult {
	x.mu.Lock()
	var all []Plan
	for _, e := range x.entries {
		for _, p := range e.Plans {
			all = append(all, p)
		}
	}
	x.mu.Unlock()

	filtered := all[:0]
	for _, p := range all {
		if q.ProjectPath != "" && p.ProjectPath != q.ProjectPath {
			continue
		}
		if q.SessionID != "" && p.SessionID != q.SessionID {
			continue
		}
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		if !q.From.IsZero() && p.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && p.Timestamp.After(q.To) {
			continue
		}
		filtered = append(filtered, p)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].Timestamp.Equal(filtered[j].Timestamp) {
			return filtered[i].Timestamp.After(filtered[j].Timestamp)
		}
		return filtered[i].ID > filtered[j].ID
	})

	start := 0
	if q.Cursor != "" {
		if c, err := decodeCursor(q.Cursor); err == nil {
			for i, p := range filtered {
				if p.Timestamp.UnixMilli() < c.TimestampMs ||
					(p.Timestamp.UnixMilli() == c.TimestampMs && p.ID < c.PlanID) {
					start = i
					break
				}
				start = len(filtered)
			}
		}
	}

	limit := q.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	out := ListResult{Items: filtered[start:end], HasMore: end < len(filtered)}
	if out.Items == nil {
		out.Items = []Plan{}
	}
	if out.HasMore {
		last := filtered[end-1]
		out.NextCursor = encodeCursor(cursor{TimestampMs: last.Timestamp.UnixMilli(), PlanID: last.ID})
	}
	return out
}

// SessionPlans is the per-session view of the index.
type SessionPlans struct {
	SessionID   string         `json:"sessionId"`
	ProjectPath string         `json:"projectPath"`
	Family      rollout.Family `json:"agentFamily"`
	Plans       []Plan         `json:"plans"`
}

// ListSession merges plans across the rollout files sharing the session
// id; when several claim the same id the newest mtime names the project.
func (x *Index) ListSession(sessionID string) (SessionPlans, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := SessionPlans{SessionID: sessionID}
	var newest time.Time
	found := false
	for _, e := range x.entries {
		if e.SessionID != sessionID {
			continue
		}
		found = true
		out.Plans = append(out.Plans, e.Plans...)
		if e.ModifiedAt.After(newest) {
			newest = e.ModifiedAt
			out.ProjectPath = e.ProjectPath
			out.Family = e.Family
		}
	}
	sort.Slice(out.Plans, func(i, j int) bool {
		if !out.Plans[i].Timestamp.Equal(out.Plans[j].Timestamp) {
			return out.Plans[i].Timestamp.After(out.Plans[j].Timestamp)
		}
		return out.Plans[i].ID > out.Plans[j].ID
	})
	return out, found
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}
