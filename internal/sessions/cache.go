package sessions

import (
	"os"
	"sync"
	"time"

	"github.com/session-observatory/daemon/internal/rollout"
	"github.com/session-observatory/daemon/internal/turns"
)

type cacheEntry struct {
	path    string
	mtimeMs int64
	session *Session
}

// Cache memoizes parse output by (path, mtime) and owns the per-session
// accumulators. Only the tick task calls Load; the mutex exists for the
// on-demand REST reads of individual sessions.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry  // keyed by session id
	accs    map[string]*accumulator // keyed by session id
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		accs:    make(map[string]*accumulator),
	}
}

// Load returns the parsed session for a discovered rollout, re-parsing
// only when the file's mtime moved. The returned session's stats have
// already been merged through the accumulator.
func (c *Cache) Load(info rollout.Info, operatorID string) (*Session, error) {
	mtime := info.ModTime
	size := info.SizeBytes
	if fi, err := os.Stat(info.Path); err == nil {
		mtime = fi.ModTime()
		size = fi.Size()
	}
	mtimeMs := mtime.UnixMilli()

	c.mu.Lock()
	entry, ok := c.entries[info.SessionID]
	if ok && entry.mtimeMs == mtimeMs && entry.path == info.Path {
		s := entry.session
		if s.OperatorID != operatorID {
			s.OperatorID = operatorID
		}
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	events, err := rollout.ParseFile(info.Path, info.Family)
	if err != nil {
		return nil, err
	}
	nodes := turns.Build(events, info.Family)
	cycles := turns.ExtractPlanCycles(info.SessionID, nodes)
	raw := rawStats(info.Family, nodes)

	c.mu.Lock()
	defer c.mu.Unlock()

	acc, ok := c.accs[info.SessionID]
	if !ok {
		acc = &accumulator{}
		c.accs[info.SessionID] = acc
	}
	stats, mergedCycles := acc.observe(raw, cycles)

	session := &Session{
		ID:          info.SessionID,
		ProjectPath: info.ProjectPath,
		Family:      info.Family,
		RolloutPath: info.Path,
		CreatedAt:   createdAt(nodes, mtime),
		ModifiedAt:  mtime,
		SizeBytes:   size,
		OperatorID:  operatorID,
		Turns:       nodes,
		PlanCycles:  mergedCycles,
		Stats:       stats,
	}
	c.entries[info.SessionID] = &cacheEntry{path: info.Path, mtimeMs: mtimeMs, session: session}
	return session, nil
}

// Get returns the cached session without parsing. Used by REST views.
func (c *Cache) Get(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Evict drops sessions not seen for the given duration, bounding memory
// for long-running daemons. Accumulators are kept only while the cache
// entry lives; a session gone this long is not coming back uncompacted.
func (c *Cache) Evict(olderThan time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		if now.Sub(entry.session.ModifiedAt) > olderThan {
			delete(c.entries, id)
			delete(c.accs, id)
		}
	}
}

func createdAt(nodes []turns.TurnNode, fallback time.Time) time.Time {
	for _, n := range nodes {
		if !n.Timestamp.IsZero() {
			return n.Timestamp
		}
	}
	return fallback
}
