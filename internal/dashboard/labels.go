package dashboard

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"
)

const (
	labelsVersion  = 1
	labelsFileName = "labels.json"

	// labelReclaim is how long a session can go unseen before its label
	// returns to the pool.
	labelReclaim = 2 * time.Hour
)

// namePool is the fixed set of short labels handed out to sessions. A
// session hashes into the pool and linear-probes past names already held.
var namePool = []string{
	"alder", "basalt", "cobalt", "dune", "ember", "fjord",
	"garnet", "harbor", "indigo", "juniper", "krill", "lumen",
	"mesa", "nimbus", "onyx", "pike", "quartz", "reef",
	"sable", "tundra", "umber", "vertex", "willow", "xenon",
	"yarrow", "zephyr", "aspen", "birch", "cedar", "delta",
	"ensign", "flint", "gale", "heron", "iris", "jasper",
	"kestrel", "lark", "marlin", "norne", "osprey", "petrel",
	"quill", "raven", "sparrow", "teal", "ursa", "vireo",
}

type labelEntry struct {
	Name     string    `json:"name"`
	LastSeen time.Time `json:"lastSeen"`
}

type labelFile struct {
	Version   int                   `json:"version"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Labels    map[string]labelEntry `json:"labels"`
}

// LabelStore assigns and persists the session id → short name map. Only
// the tick task touches it, so there is no internal locking.
type LabelStore struct {
	path    string
	entries map[string]labelEntry
	dirty   bool
}

// LoadLabelStore reads the persisted map, starting empty if the file is
// missing or unparseable.
func LoadLabelStore(path string) *LabelStore {
	s := &LabelStore{path: path, entries: make(map[string]labelEntry)}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var f labelFile
	if err := json.Unmarshal(data, &f); err != nil || f.Labels == nil {
		return s
	}
	s.entries = f.Labels
	return s
}

// Assign returns the session's stable label, allocating one from the pool
// on first sight. The probe starts at the session id's hash and walks
// forward past names held by other live entries; an exhausted pool falls
// back to a hash-derived synthetic name.
func (s *LabelStore) Assign(sessionID string, now time.Time) string {
	if e, ok := s.entries[sessionID]; ok {
		e.LastSeen = now
		s.entries[sessionID] = e
		s.dirty = true
		return e.Name
	}

	used := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		used[e.Name] = true
	}

	h := fnv.New32a()
	h.Write([]byte(sessionID))
	start := int(h.Sum32()) % len(namePool)
	if start < 0 {
		start += len(namePool)
	}

	name := ""
	for i := 0; i < len(namePool); i++ {
		candidate := namePool[(start+i)%len(namePool)]
		if !used[candidate] {
			name = candidate
			break
		}
	}
	// Synthetic fallbacks probe too: two live sessions must never share
	// a label, even past the pool.
	for suffix := h.Sum32(); name == ""; suffix++ {
		candidate := fmt.Sprintf("agent-%04x", suffix&0xffff)
		if !used[candidate] {
			name = candidate
		}
	}

	s.entries[sessionID] = labelEntry{Name: name, LastSeen: now}
	s.dirty = true
	return name
}

// Reclaim drops entries whose session has not been seen within the
// reclaim window, returning their names to the pool.
func (s *LabelStore) Reclaim(now time.Time) {
	for id, e := range s.entries {
		if now.Sub(e.LastSeen) > labelReclaim {
			delete(s.entries, id)
			s.dirty = true
		}
	}
}

// Save writes the map atomically. A failure leaves the in-memory state
// authoritative; the next tick retries.
func (s *LabelStore) Save() error {
	if !s.dirty {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating label dir: %w", err)
	}

	data, err := json.MarshalIndent(labelFile{
		Version:   labelsVersion,
		UpdatedAt: time.Now().UTC(),
		Labels:    s.entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling labels: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".labels-*.tmp")
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
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming label file: %w", err)
	}
	committed = true
	s.dirty = false
	return nil
}
