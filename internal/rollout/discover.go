package rollout

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Info describes one rollout file found on disk.
type Info struct {
	Path        string
	Family      Family
	SessionID   string
	ProjectPath string
	ModTime     time.Time
	SizeBytes   int64
}

// Roots holds the per-family rollout root directories for one operator.
// Empty fields disable that family.
type Roots struct {
	Claude string // e.g. ~/.claude
	Codex  string // e.g. ~/.codex
}

// DefaultRoots returns the local user's agent directories.
func DefaultRoots() Roots {
	home, err := os.UserHomeDir()
	if err != nil {
		return Roots{}
	}
	return Roots{
		Claude: filepath.Join(home, ".claude"),
		Codex:  filepath.Join(home, ".codex"),
	}
}

// ListClaude enumerates every rollout under root/projects. The encoded
// project directory name is decoded back to the project path.
func ListClaude(root string) ([]Info, error) {
	if root == "" {
		return nil, nil
	}
	projectsDir := filepath.Join(root, "projects")
	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []Info
	for _, proj := range entries {
		if !proj.IsDir() {
			continue
		}
		projectPath := DecodeProjectPath(proj.Name())
		projDir := filepath.Join(projectsDir, proj.Name())
		files, err := os.ReadDir(projDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			fi, err := f.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(projDir, f.Name())
			infos = append(infos, Info{
				Path:        path,
				Family:      FamilyClaude,
				SessionID:   SessionIDFromPath(path),
				ProjectPath: projectPath,
				ModTime:     fi.ModTime(),
				SizeBytes:   fi.Size(),
			})
		}
	}
	return infos, nil
}

// codexMeta caches the session metadata from a Codex rollout's first line,
// keyed by path and invalidated on mtime change. Reading one line per new
// file keeps discovery cheap on large session trees.
type codexMeta struct {
	mtime      time.Time
	sessionID  string
	workingDir string
}

var (
	codexMetaMu    sync.Mutex
	codexMetaCache = make(map[string]codexMeta)
)

func codexHeadMeta(path string, mtime time.Time) (sessionID, workingDir string) {
	codexMetaMu.Lock()
	if m, ok := codexMetaCache[path]; ok && m.mtime.Equal(mtime) {
		codexMetaMu.Unlock()
		return m.sessionID, m.workingDir
	}
	codexMetaMu.Unlock()

	sessionID = SessionIDFromPath(path)
	if events, err := readCodexHead(path); err == nil {
		for _, ev := range events {
			if ev.Kind == KindSystemMeta {
				if ev.SessionID != "" {
					sessionID = ev.SessionID
				}
				workingDir = ev.WorkingDir
				break
			}
		}
	}

	codexMetaMu.Lock()
	codexMetaCache[path] = codexMeta{mtime: mtime, sessionID: sessionID, workingDir: workingDir}
	codexMetaMu.Unlock()
	return sessionID, workingDir
}

// readCodexHead parses only the first line of a Codex rollout.
func readCodexHead(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	n, _ := f.Read(buf)
	data := buf[:n]
	if i := strings.IndexByte(string(data), '\n'); i >= 0 {
		data = data[:i+1]
	}
	return parseCodexStream(strings.NewReader(string(data)))
}

// ListCodex walks root/sessions/YYYY/MM/DD for rollout files. Session id
// and project path come from the cached head-line metadata.
func ListCodex(root string) ([]Info, error) {
	if root == "" {
		return nil, nil
	}
	sessionsDir := filepath.Join(root, "sessions")
	if _, err := os.Stat(sessionsDir); os.IsNotExist(err) {
		return nil, nil
	}

	var infos []Info
	err := filepath.WalkDir(sessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable dirs
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasPrefix(d.Name(), "rollout-") || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		sessionID, workingDir := codexHeadMeta(path, fi.ModTime())
		infos = append(infos, Info{
			Path:        path,
			Family:      FamilyCodex,
			SessionID:   sessionID,
			ProjectPath: workingDir,
			ModTime:     fi.ModTime(),
			SizeBytes:   fi.Size(),
		})
		return nil
	})
	return infos, err
}

// List enumerates both families under the given roots. Family errors are
// independent: one family failing does not hide the other.
func List(roots Roots) ([]Info, error) {
	claude, cErr := ListClaude(roots.Claude)
	codex, xErr := ListCodex(roots.Codex)
	infos := append(claude, codex...)
	if cErr != nil {
		return infos, cErr
	}
	return infos, xErr
}

// ParseFile dispatches to the family parser.
func ParseFile(path string, family Family) ([]Event, error) {
	if family == FamilyCodex {
		return ParseCodexFile(path)
	}
	return ParseClaudeFile(path)
}
