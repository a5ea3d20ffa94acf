// Package dashboard assembles the per-tick Snapshot: discovered sessions
// become agents with stable labels, agents group into workstreams, and the
// collision, risk, and feed layers hang off that tree.
package dashboard

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/session-observatory/daemon/internal/collision"
	"github.com/session-observatory/daemon/internal/discover"
	"github.com/session-observatory/daemon/internal/feed"
	"github.com/session-observatory/daemon/internal/logutil"
	"github.com/session-observatory/daemon/internal/risk"
	"github.com/session-observatory/daemon/internal/rollout"
	"github.com/session-observatory/daemon/internal/sessions"
	"github.com/session-observatory/daemon/internal/turns"
	"github.com/session-observatory/daemon/internal/vcs"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusWarning  Status = "warning"
	StatusConflict Status = "conflict"
)

const (
	// busyWindow marks an active agent busy only while its rollout is
	// still being appended to.
	busyWindow = 30 * time.Second

	// silentThreshold is when an active agent starts producing idle or
	// stall feed entries.
	silentThreshold = 5 * time.Minute

	// warningLookback is how many trailing turns an error can poison the
	// agent's status.
	warningLookback = 3

	// cacheEviction bounds parse-cache memory for long-lived daemons.
	cacheEviction = 48 * time.Hour
)

// Agent is the observable view of one session.
type Agent struct {
	SessionID    string             `json:"sessionId"`
	Label        string             `json:"label"`
	OperatorID   string             `json:"operatorId"`
	ProjectPath  string             `json:"projectPath"`
	Family       rollout.Family     `json:"agentFamily"`
	Status       Status             `json:"status"`
	Active       bool               `json:"active"`
	CurrentTask  string             `json:"currentTask,omitempty"`
	Model        string             `json:"model,omitempty"`
	LastActivity time.Time          `json:"lastActivity"`
	PlanList     []turns.PlanCycle  `json:"planList,omitempty"`
	Risk         risk.Assessment    `json:"risk"`
	Stats        sessions.Stats     `json:"stats"`
}

// Workstream groups agents by project directory.
type Workstream struct {
	ProjectPath string              `json:"projectPath"`
	Name        string              `json:"name"`
	AgentIDs    []string            `json:"agentIds"`
	Completion  float64             `json:"completion"`
	Risk        risk.WorkstreamRisk `json:"risk"`
}

// Summary is the top-line numbers for the whole snapshot.
type Summary struct {
	ActiveAgents       int      `json:"activeAgents"`
	TotalAgents        int      `json:"totalAgents"`
	Workstreams        int      `json:"workstreams"`
	Collisions         int      `json:"collisions"`
	CriticalCollisions int      `json:"criticalCollisions"`
	TotalCostUSD       float64  `json:"totalCostUsd"`
	WorkstreamsAtRisk  int      `json:"workstreamsAtRisk"`
	DegradedSources    []string `json:"degradedSources,omitempty"`
}

// Snapshot is the immutable value produced once per tick. It carries no
// build timestamp: an unchanged world must serialize to identical bytes
// so the fan-out layer can suppress redundant pushes.
type Snapshot struct {
	Operators   []Operator            `json:"operators"`
	Agents      []Agent               `json:"agents"`
	Workstreams []Workstream          `json:"workstreams"`
	Collisions  []collision.Collision `json:"collisions"`
	Feed        []feed.Event          `json:"feed"`
	Summary     Summary               `json:"summary"`
}

// Builder drives the snapshot pipeline. All carry-forward state lives
// here; only the tick task calls Build.
type Builder struct {
	cache   *sessions.Cache
	disc    *discover.Discoverer
	tree    vcs.Tree
	feedLog *feed.Log
	labels  *LabelStore
	limiter *logutil.Limiter
	now     func() time.Time

	// prevActive is last tick's confirmed-active set, used to emit
	// session-ended events when activity stops.
	prevActive map[string]bool
}

func NewBuilder(cache *sessions.Cache, disc *discover.Discoverer, tree vcs.Tree, feedLog *feed.Log, labels *LabelStore) *Builder {
	return &Builder{
		cache:      cache,
		disc:       disc,
		tree:       tree,
		feedLog:    feedLog,
		labels:     labels,
		limiter:    logutil.NewLimiter(time.Minute),
		now:        time.Now,
		prevActive: make(map[string]bool),
	}
}

// SetClock overrides the time source for tests.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Build runs one tick of the pipeline over the given operator sources.
func (b *Builder) Build(ctx context.Context, sources []OperatorSource) *Snapshot {
	now := b.now()
	b.tree.ResetTick()

	roots := make([]discover.OperatorRoots, 0, len(sources))
	for _, src := range sources {
		roots = append(roots, discover.OperatorRoots{OperatorID: src.Operator.ID, Roots: src.Roots})
	}
	discovered := b.disc.Discover(ctx, roots)

	// Parse every discovered session. Failures degrade that source's
	// health counter but never the tick.
	degraded := make(map[string]bool)
	parsed := make([]*sessions.Session, 0, len(discovered))
	activeIDs := make(map[string]bool)
	var activeSessions []*sessions.Session
	for _, d := range discovered {
		s, err := b.cache.Load(d.Info, d.OperatorID)
		if err != nil {
			degraded[string(d.Family)+":parse"] = true
			b.limiter.Printf("parse:"+d.Path, "[dashboard] parse failed for %s: %v", d.Path, err)
			continue
		}
		parsed = append(parsed, s)
		if d.Active {
			activeIDs[s.ID] = true
			activeSessions = append(activeSessions, s)
		}
	}

	labelBySession := make(map[string]string, len(parsed))
	for _, s := range parsed {
		labelBySession[s.ID] = b.labels.Assign(s.ID, now)
	}
	b.labels.Reclaim(now)

	// DiffCollisions restores each open collision's first-detection time
	// so the snapshot stays byte-stable while nothing changes.
	collisions := collision.Detect(activeSessions, b.tree, now)
	collisions = b.feedLog.DiffCollisions(collisions, now)
	conflicted := make(map[string]bool)
	for _, c := range collisions {
		for _, p := range c.Participants {
			conflicted[p.SessionID] = true
		}
	}

	agents := make([]Agent, 0, len(parsed))
	assessBySession := make(map[string]risk.Assessment, len(parsed))
	for _, s := range parsed {
		active := activeIDs[s.ID]
		assessment := risk.Assess(s)
		risk.InjectStall(&assessment, now.Sub(s.ModifiedAt), active)
		assessBySession[s.ID] = assessment

		agents = append(agents, Agent{
			SessionID:    s.ID,
			Label:        labelBySession[s.ID],
			OperatorID:   s.OperatorID,
			ProjectPath:  s.ProjectPath,
			Family:       s.Family,
			Status:       agentStatus(s, active, conflicted[s.ID], now),
			Active:       active,
			CurrentTask:  currentTask(s),
			Model:        lastModel(s),
			LastActivity: s.ModifiedAt,
			PlanList:     s.PlanCycles,
			Risk:         assessment,
			Stats:        s.Stats,
		})
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].OperatorID != agents[j].OperatorID {
			return agents[i].OperatorID < agents[j].OperatorID
		}
		return agents[i].SessionID < agents[j].SessionID
	})

	workstreams := buildWorkstreams(parsed, agents, assessBySession, activeIDs)
	b.updateFeed(parsed, activeSessions, activeIDs, assessBySession, now)

	operators := make([]Operator, 0, len(sources))
	for _, src := range sources {
		op := src.Operator
		op.Online = op.ID == "self" || operatorHasActive(agents, op.ID)
		operators = append(operators, op)
	}

	snap := &Snapshot{
		Operators:   operators,
		Agents:      agents,
		Workstreams: workstreams,
		Collisions:  collisions,
		Feed:        b.feedLog.Snapshot(),
		Summary:     buildSummary(agents, workstreams, collisions, degraded),
	}

	if err := b.labels.Save(); err != nil {
		b.limiter.Printf("labels-save", "[dashboard] label store save failed: %v", err)
	}
	b.cache.Evict(cacheEviction, now)

	next := make(map[string]bool, len(activeIDs))
	for id := range activeIDs {
		next[id] = true
	}
	b.prevActive = next

	return snap
}

// updateFeed re-derives this tick's feed entries: stable turn events,
// transient idle/stall entries, and session-ended marks. Collision diffs
// happen earlier in Build so the snapshot and the feed agree.
func (b *Builder) updateFeed(parsed, active []*sessions.Session, activeIDs map[string]bool, assessments map[string]risk.Assessment, now time.Time) {
	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	b.feedLog.ClearTransient(ids)

	for _, s := range parsed {
		b.feedLog.DeriveTurnEvents(s)
	}

	for _, s := range active {
		if now.Sub(s.ModifiedAt) < silentThreshold {
			continue
		}
		t := feed.TypeIdle
		if assessments[s.ID].Stalled {
			t = feed.TypeStall
		}
		b.feedLog.AddTransient(t, s)
	}

	for id := range b.prevActive {
		if activeIDs[id] {
			continue
		}
		if s, ok := b.cache.Get(id); ok {
			b.feedLog.SessionEnded(s, now)
		}
	}
}

// agentStatus applies the precedence conflict > warning > busy > idle.
func agentStatus(s *sessions.Session, active, conflicted bool, now time.Time) Status {
	if conflicted {
		return StatusConflict
	}
	start := len(s.Turns) - warningLookback
	if start < 0 {
		start = 0
	}
	for _, t := range s.Turns[start:] {
		if t.HasError {
			return StatusWarning
		}
	}
	if active && now.Sub(s.ModifiedAt) <= busyWindow {
		return StatusBusy
	}
	return StatusIdle
}

func currentTask(s *sessions.Session) string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Summary != "" {
			return s.Turns[i].Summary
		}
	}
	return ""
}

func lastModel(s *sessions.Session) string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Model != "" {
			return s.Turns[i].Model
		}
	}
	return ""
}

func buildWorkstreams(parsed []*sessions.Session, agents []Agent, assessments map[string]risk.Assessment, activeIDs map[string]bool) []Workstream {
	byProject := make(map[string][]*sessions.Session)
	for _, s := range parsed {
		if s.ProjectPath == "" {
			continue
		}
		byProject[s.ProjectPath] = append(byProject[s.ProjectPath], s)
	}

	agentsBySession := make(map[string]int, len(agents))
	for i, a := range agents {
		agentsBySession[a.SessionID] = i
	}

	out := make([]Workstream, 0, len(byProject))
	for project, projSessions := range byProject {
		ws := Workstream{
			ProjectPath: project,
			Name:        filepath.Base(project),
		}
		var wsAssessments []risk.Assessment
		var wsTokens []int
		for _, s := range projSessions {
			ws.AgentIDs = append(ws.AgentIDs, s.ID)
			if activeIDs[s.ID] {
				wsAssessments = append(wsAssessments, assessments[s.ID])
				wsTokens = append(wsTokens, s.Stats.Usage.TotalContext())
			}
		}
		sort.Strings(ws.AgentIDs)
		ws.Completion = completion(projSessions)
		ws.Risk = risk.ForWorkstream(wsAssessments, wsTokens)
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectPath < out[j].ProjectPath })
	return out
}

// completion is task-completion ratio when any plan tasks exist, else the
// commit-to-turn ratio.
func completion(projSessions []*sessions.Session) float64 {
	totalTasks, doneTasks := 0, 0
	commits, turnsSeen := 0, 0
	for _, s := range projSessions {
		for _, cycle := range s.PlanCycles {
			totalTasks += cycle.TaskCounts.Total
			doneTasks += cycle.TaskCounts.Completed
		}
		commits += s.Stats.Commits
		turnsSeen += s.Stats.TotalTurns
	}
	if totalTasks > 0 {
		return float64(doneTasks) / float64(totalTasks)
	}
	if turnsSeen > 0 {
		ratio := float64(commits) / float64(turnsSeen)
		if ratio > 1 {
			ratio = 1
		}
		return ratio
	}
	return 0
}

func buildSummary(agents []Agent, workstreams []Workstream, collisions []collision.Collision, degraded map[string]bool) Summary {
	s := Summary{
		TotalAgents: len(agents),
		Workstreams: len(workstreams),
		Collisions:  len(collisions),
	}
	for _, a := range agents {
		if a.Active {
			s.ActiveAgents++
			s.TotalCostUSD += a.Stats.CostUSD
		}
	}
	for _, c := range collisions {
		if c.Severity == collision.SeverityCritical {
			s.CriticalCollisions++
		}
	}
	for _, ws := range workstreams {
		if ws.Risk.Overall != risk.LevelNominal {
			s.WorkstreamsAtRisk++
		}
	}
	for source := range degraded {
		s.DegradedSources = append(s.DegradedSources, source)
	}
	sort.Strings(s.DegradedSources)
	return s
}

func operatorHasActive(agents []Agent, operatorID string) bool {
	for _, a := range agents {
		if a.OperatorID == operatorID && a.Active {
			return true
		}
	}
	return false
}
