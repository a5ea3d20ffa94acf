package config

import (
	"encoding/json"
	"os"
	"sync"
)

// OperatorEntry names one configured peer and the rollout roots it owns.
// Either root may be empty; the daemon then watches only the other family
// for that operator.
type OperatorEntry struct {
	Name   string `json:"name"`
	Claude string `json:"claude,omitempty"`
	Codex  string `json:"codex,omitempty"`
}

// OperatorFile is the parsed roster. The file accepts two shapes: a bare
// array of entries, or {self:{name?}, operators:[...]}.
type OperatorFile struct {
	SelfName  string
	Operators []OperatorEntry
}

type operatorObject struct {
	Self struct {
		Name string `json:"name"`
	} `json:"self"`
	Operators []OperatorEntry `json:"operators"`
}

// OperatorLoader caches the roster by mtime so the tick can re-check it
// cheaply. Malformed content is treated as an empty roster.
type OperatorLoader struct {
	mu      sync.Mutex
	path    string
	mtimeMs int64
	cached  OperatorFile
	loaded  bool
}

func NewOperatorLoader(path string) *OperatorLoader {
	return &OperatorLoader{path: path}
}

func (l *OperatorLoader) Load() OperatorFile {
	l.mu.Lock()
	defer l.mu.Unlock()

	fi, err := os.Stat(l.path)
	if err != nil {
		l.cached = OperatorFile{}
		l.loaded = true
		l.mtimeMs = 0
		return l.cached
	}
	mtimeMs := fi.ModTime().UnixMilli()
	if l.loaded && mtimeMs == l.mtimeMs {
		return l.cached
	}

	l.cached = parseOperatorFile(l.path)
	l.loaded = true
	l.mtimeMs = mtimeMs
	return l.cached
}

func parseOperatorFile(path string) OperatorFile {
	data, err := os.ReadFile(path)
	if err != nil {
		return OperatorFile{}
	}

	var entries []OperatorEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		return OperatorFile{Operators: entries}
	}

	var obj operatorObject
	if err := json.Unmarshal(data, &obj); err == nil {
		return OperatorFile{SelfName: obj.Self.Name, Operators: obj.Operators}
	}
	return OperatorFile{}
}
