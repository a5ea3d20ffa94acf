package turns

import (
	"testing"
	"time"
)

func planNode(index, sec int) TurnNode {
	return TurnNode{Index: index, Timestamp: time.Date(2026, 1, 30, 10, 0, sec, 0, time.UTC)}
}

func TestExtractPlanCyclesFullLifecycle(t *testing.T) {
	enter := planNode(0, 0)
	enter.PlanEntered = true

	exit := planNode(1, 60)
	exit.PlanExited = true
	exit.PlanMarkdown = "# Migrate the cache\n\n1. swap the driver"
	exit.TaskMutations = []TaskMutation{
		{Op: "create", ID: "1", Title: "swap driver", Status: "pending"},
		{Op: "create", ID: "2", Title: "add tests", Status: "pending"},
	}

	work := planNode(2, 300)
	work.TaskMutations = []TaskMutation{
		{Op: "update", ID: "1", Status: "completed"},
		{Op: "update", ID: "2", Status: "completed"},
	}

	cycles := ExtractPlanCycles("sess-1", []TurnNode{enter, exit, work})
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}
	c := cycles[0]
	if c.ID != "plan-sess-1-0" {
		t.Errorf("ID = %q, want deterministic plan-sess-1-0", c.ID)
	}
	if c.Status != PlanCompleted {
		t.Errorf("Status = %q, want %q", c.Status, PlanCompleted)
	}
	if c.Title != "Migrate the cache" {
		t.Errorf("Title = %q", c.Title)
	}
	if c.TaskCounts.Total != 2 || c.TaskCounts.Completed != 2 {
		t.Errorf("TaskCounts = %+v", c.TaskCounts)
	}
	if c.DurationMs != 300000 {
		t.Errorf("DurationMs = %d, want 300000", c.DurationMs)
	}
}

func TestExtractPlanCyclesRejectionThenRedraft(t *testing.T) {
	enter := planNode(0, 0)
	enter.PlanEntered = true

	rejected := planNode(1, 30)
	rejected.PlanExited = true
	rejected.PlanRejected = true
	rejected.PlanMarkdown = "# First attempt"

	enter2 := planNode(2, 60)
	enter2.PlanEntered = true

	approved := planNode(3, 120)
	approved.PlanExited = true
	approved.PlanMarkdown = "# Second attempt"

	cycles := ExtractPlanCycles("sess-2", []TurnNode{enter, rejected, enter2, approved})
	if len(cycles) != 2 {
		t.Fatalf("got %d cycles, want 2", len(cycles))
	}
	if cycles[0].Status != PlanRejectedStat || cycles[0].Title != "First attempt" {
		t.Errorf("cycles[0] = %q %q", cycles[0].Status, cycles[0].Title)
	}
	if cycles[1].Status != PlanImplementing || cycles[1].ID != "plan-sess-2-2" {
		t.Errorf("cycles[1] = %q %q", cycles[1].Status, cycles[1].ID)
	}
}

func TestExtractPlanCyclesDraftingTail(t *testing.T) {
	enter := planNode(0, 0)
	enter.PlanEntered = true
	thinking := planNode(1, 30)

	cycles := ExtractPlanCycles("sess-3", []TurnNode{enter, thinking})
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}
	if cycles[0].Status != PlanDrafting {
		t.Errorf("Status = %q, want %q", cycles[0].Status, PlanDrafting)
	}
}

func TestExtractPlanCyclesApprovalWithoutEnter(t *testing.T) {
	// The enter may predate a compaction; an approved exit alone still
	// opens a cycle.
	exit := planNode(4, 10)
	exit.PlanExited = true
	exit.PlanMarkdown = "# Recovered plan"

	cycles := ExtractPlanCycles("sess-4", []TurnNode{exit})
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}
	if cycles[0].ID != "plan-sess-4-4" || cycles[0].Status != PlanImplementing {
		t.Errorf("cycle = %q %q", cycles[0].ID, cycles[0].Status)
	}
}

func TestExtractPlanCyclesPartialTasksStayImplementing(t *testing.T) {
	exit := planNode(0, 0)
	exit.PlanExited = true
	exit.PlanMarkdown = "# P"
	exit.TaskMutations = []TaskMutation{
		{Op: "create", ID: "1", Title: "a", Status: "pending"},
		{Op: "create", ID: "2", Title: "b", Status: "pending"},
	}
	work := planNode(1, 60)
	work.TaskMutations = []TaskMutation{{Op: "update", ID: "1", Status: "completed"}}

	cycles := ExtractPlanCycles("s", []TurnNode{exit, work})
	c := cycles[0]
	if c.Status != PlanImplementing {
		t.Errorf("Status = %q, want implementing with tasks outstanding", c.Status)
	}
	if c.TaskCounts.Completed != 1 || c.TaskCounts.Total != 2 {
		t.Errorf("TaskCounts = %+v", c.TaskCounts)
	}
}

func TestMoreAdvanced(t *testing.T) {
	completed := []PlanCycle{{Status: PlanCompleted, TaskCounts: TaskCounts{Completed: 3}}}
	implementing := []PlanCycle{{Status: PlanImplementing}}
	two := []PlanCycle{{Status: PlanDrafting}, {Status: PlanDrafting}}

	if !MoreAdvanced(completed, implementing) {
		t.Error("completed cycle not ranked above implementing")
	}
	if MoreAdvanced(implementing, completed) {
		t.Error("implementing ranked above completed")
	}
	if !MoreAdvanced(two, completed) {
		t.Error("more cycles did not win")
	}
	if MoreAdvanced(nil, nil) {
		t.Error("equal empty sets ranked as advanced")
	}
}
