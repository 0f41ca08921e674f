package state

import (
	"testing"
	"time"

	"github.com/obra-dev/obra/pkg/models"
)

func newSession(id, projectID, epicID string) *models.Session {
	return &models.Session{
		ID:        id,
		ProjectID: projectID,
		EpicID:    epicID,
		State:     models.SessionActive,
		StartedAt: time.Now(),
	}
}

func TestSessionTokenAccumulation(t *testing.T) {
	db := openTestDB(t)

	s := newSession("sess-1", "p1", "e1")
	if err := db.CreateSession(s); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, n := range []int64{1000, 2500, 400} {
		if err := db.AddSessionTokens("sess-1", n); err != nil {
			t.Fatalf("add tokens: %v", err)
		}
	}

	total, err := db.SessionUsage("sess-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if total != 3900 {
		t.Errorf("usage = %d, want 3900", total)
	}

	// Negative deltas are rejected: cumulative tokens never decrease.
	if err := db.AddSessionTokens("sess-1", -1); err == nil {
		t.Error("expected negative delta to be rejected")
	}
}

func TestSessionSuccessorLink(t *testing.T) {
	db := openTestDB(t)

	old := newSession("sess-1", "p1", "e1")
	if err := db.CreateSession(old); err != nil {
		t.Fatalf("create old: %v", err)
	}

	// Refresh: end the old session with a summary, link the successor.
	now := time.Now()
	old.State = models.SessionRefreshed
	old.Summary = "implemented the CSV parser; averaging still pending"
	old.SuccessorID = "sess-2"
	old.EndedAt = &now
	if err := db.UpdateSession(old); err != nil {
		t.Fatalf("update old: %v", err)
	}

	succ := newSession("sess-2", "p1", "e1")
	succ.PredecessorID = "sess-1"
	if err := db.CreateSession(succ); err != nil {
		t.Fatalf("create successor: %v", err)
	}

	got, err := db.GetSession("sess-2")
	if err != nil {
		t.Fatalf("get successor: %v", err)
	}
	if got.PredecessorID != "sess-1" || got.EpicID != "e1" {
		t.Errorf("successor link broken: %+v", got)
	}

	prev, err := db.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get predecessor: %v", err)
	}
	if prev.State != models.SessionRefreshed || prev.SuccessorID != "sess-2" || prev.Summary == "" {
		t.Errorf("refreshed session incomplete: %+v", prev)
	}

	summary, err := db.LatestSummaryForEpic("p1", "e1")
	if err != nil {
		t.Fatalf("latest summary: %v", err)
	}
	if summary != old.Summary {
		t.Errorf("latest summary = %q, want %q", summary, old.Summary)
	}
}

func TestActiveSessionForEpic(t *testing.T) {
	db := openTestDB(t)

	s := newSession("sess-1", "p1", "e1")
	if err := db.CreateSession(s); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := db.ActiveSessionForEpic("p1", "e1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if got == nil || got.ID != "sess-1" {
		t.Fatalf("active session = %v, want sess-1", got)
	}

	none, err := db.ActiveSessionForEpic("p1", "e2")
	if err != nil {
		t.Fatalf("active other epic: %v", err)
	}
	if none != nil {
		t.Error("expected no active session for e2")
	}
}

func TestIterationTokenInvariants(t *testing.T) {
	db := openTestDB(t)

	s := newSession("sess-1", "p1", "e1")
	if err := db.CreateSession(s); err != nil {
		t.Fatalf("create session: %v", err)
	}

	usages := []models.TokenUsage{
		{Input: 1000, CacheCreate: 100, CacheRead: 2000, Output: 300},
		{Input: 900, CacheCreate: 0, CacheRead: 3100, Output: 500},
	}
	var want int64
	for i, u := range usages {
		it := &models.Iteration{
			ID:        "it-" + string(rune('a'+i)),
			TaskID:    "t1",
			SessionID: "sess-1",
			Number:    i + 1,
			Usage:     u,
			Decision:  models.ActionClarify,
			CreatedAt: time.Now(),
		}
		if err := db.CreateIteration(it); err != nil {
			t.Fatalf("create iteration %d: %v", i+1, err)
		}
		if err := db.AddSessionTokens("sess-1", u.Total()); err != nil {
			t.Fatalf("add tokens: %v", err)
		}
		want += u.Total()
	}

	// The session counter equals the sum over iteration records.
	sum, err := db.SessionTokenSum("sess-1")
	if err != nil {
		t.Fatalf("token sum: %v", err)
	}
	usage, err := db.SessionUsage("sess-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if sum != want || usage != want {
		t.Errorf("sum = %d, usage = %d, want %d", sum, usage, want)
	}

	latest, err := db.LatestIteration("t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Number != 2 || latest.Usage.Total() != usages[1].Total() {
		t.Errorf("latest iteration wrong: %+v", latest)
	}
}

func TestRecoverInFlight(t *testing.T) {
	db := openTestDB(t)

	running := newTask("t1", "p1", models.TaskTypeTask)
	running.Status = models.TaskStatusInProgress
	paused := newTask("t2", "p1", models.TaskTypeTask)
	paused.Status = models.TaskStatusInProgress
	paused.Breakpoint = true
	for _, task := range []*models.Task{running, paused} {
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := db.CreateSession(newSession("sess-1", "p1", "e1")); err != nil {
		t.Fatalf("create session: %v", err)
	}

	report, err := db.RecoverInFlight("p1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.TasksReset != 1 {
		t.Errorf("tasks reset = %d, want 1", report.TasksReset)
	}
	if report.SessionsClosed != 1 {
		t.Errorf("sessions closed = %d, want 1", report.SessionsClosed)
	}

	// The breakpointed task keeps waiting for its user.
	got, _ := db.GetTask("t2")
	if got.Status != models.TaskStatusInProgress {
		t.Errorf("breakpointed task status = %s, want in_progress", got.Status)
	}
}
