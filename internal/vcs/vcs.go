// Package vcs answers two questions per project: when was the last commit,
// and which files are dirty in the working tree. Both queries are cached
// for one tick and bounded by a timeout; a failed dirty query returns the
// explicit AllDirty fallback rather than an empty set.
package vcs

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"

	"github.com/session-observatory/daemon/internal/logutil"
)

// DirtySet is the working-tree dirty state for one project. All set means
// the query failed and every file must be treated as dirty.
type DirtySet struct {
	All   bool
	Files map[string]bool // normalized absolute paths
}

// Contains reports whether the given absolute path is dirty.
func (d DirtySet) Contains(absPath string) bool {
	if d.All {
		return true
	}
	return d.Files[filepath.Clean(absPath)]
}

// Tree is the VCS adapter the collision detector consumes.
type Tree interface {
	// LastCommitTime returns the committer time of HEAD, or the zero time
	// with an error when the project is not a repository.
	LastCommitTime(project string) (time.Time, error)

	// DirtyFiles returns the dirty set for the project.
	DirtyFiles(project string) DirtySet

	// ResetTick clears the per-tick caches.
	ResetTick()
}

// ErrNotRepository is returned for projects without a VCS checkout.
var ErrNotRepository = errors.New("not a git repository")

// defaultBudget bounds each underlying repository operation unless
// configured.
const defaultBudget = 5 * time.Second

type commitCacheEntry struct {
	t   time.Time
	err error
}

// GitTree implements Tree over go-git.
type GitTree struct {
	mu          sync.Mutex
	budget      time.Duration
	limiter     *logutil.Limiter
	commitCache map[string]commitCacheEntry
	dirtyCache  map[string]DirtySet
}

func NewGitTree(budget time.Duration) *GitTree {
	if budget <= 0 {
		budget = defaultBudget
	}
	return &GitTree{
		budget:      budget,
		limiter:     logutil.NewLimiter(time.Minute),
		commitCache: make(map[string]commitCacheEntry),
		dirtyCache:  make(map[string]DirtySet),
	}
}

func (g *GitTree) ResetTick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitCache = make(map[string]commitCacheEntry)
	g.dirtyCache = make(map[string]DirtySet)
}

func (g *GitTree) LastCommitTime(project string) (time.Time, error) {
	g.mu.Lock()
	if entry, ok := g.commitCache[project]; ok {
		g.mu.Unlock()
		return entry.t, entry.err
	}
	g.mu.Unlock()

	var t time.Time
	err := runWithTimeout(g.budget, func() error {
		repo, err := git.PlainOpenWithOptions(project, &git.PlainOpenOptions{DetectDotGit: true})
		if err != nil {
			return ErrNotRepository
		}
		head, err := repo.Head()
		if err != nil {
			return err
		}
		commit, err := repo.CommitObject(head.Hash())
		if err != nil {
			return err
		}
		t = commit.Committer.When
		return nil
	})

	if err != nil && !errors.Is(err, ErrNotRepository) {
		g.limiter.Printf("commit:"+project, "[vcs] last-commit query failed for %s: %v", project, err)
	}

	g.mu.Lock()
	g.commitCache[project] = commitCacheEntry{t: t, err: err}
	g.mu.Unlock()
	return t, err
}

func (g *GitTree) DirtyFiles(project string) DirtySet {
	g.mu.Lock()
	if set, ok := g.dirtyCache[project]; ok {
		g.mu.Unlock()
		return set
	}
	g.mu.Unlock()

	set := DirtySet{All: true}
	err := runWithTimeout(g.budget, func() error {
		repo, err := git.PlainOpenWithOptions(project, &git.PlainOpenOptions{DetectDotGit: true})
		if err != nil {
			return err
		}
		wt, err := repo.Worktree()
		if err != nil {
			return err
		}
		status, err := wt.Status()
		if err != nil {
			return err
		}
		root := wt.Filesystem.Root()
		files := make(map[string]bool, len(status))
		for rel, fs := range status {
			if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
				continue
			}
			files[filepath.Clean(filepath.Join(root, rel))] = true
		}
		set = DirtySet{Files: files}
		return nil
	})
	if err != nil {
		set = DirtySet{All: true}
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			g.limiter.Printf("dirty:"+project, "[vcs] dirty query failed for %s: %v", project, err)
		}
	}

	g.mu.Lock()
	g.dirtyCache[project] = set
	g.mu.Unlock()
	return set
}

// runWithTimeout executes fn, giving up after the budget. go-git has no
// context plumbing on these calls, so the abandoned goroutine finishes in
// the background; its result is discarded.
func runWithTimeout(budget time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(budget):
		return errors.New("vcs query timed out")
	}
}

// FakeTree is a deterministic Tree for tests.
type FakeTree struct {
	CommitTimes map[string]time.Time
	Dirty       map[string]DirtySet
}

func (f *FakeTree) LastCommitTime(project string) (time.Time, error) {
	if t, ok := f.CommitTimes[project]; ok {
		return t, nil
	}
	return time.Time{}, ErrNotRepository
}

func (f *FakeTree) DirtyFiles(project string) DirtySet {
	if set, ok := f.Dirty[project]; ok {
		return set
	}
	return DirtySet{All: true}
}

func (f *FakeTree) ResetTick() {}
