package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/internal/llm"
	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/pkg/models"
)

type fakeGateway struct {
	reply string
	calls int
}

func (f *fakeGateway) Send(_ context.Context, _ llm.Request) (*llm.Response, error) {
	f.calls++
	return &llm.Response{Content: f.reply}, nil
}
func (f *fakeGateway) Name() string                      { return "fake" }
func (f *fakeGateway) Available(_ context.Context) error { return nil }

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		ContextWindow: config.ContextWindowConfig{
			Limit:             200000,
			WarningThreshold:  0.70,
			RefreshThreshold:  0.80,
			CriticalThreshold: 0.95,
		},
	}
}

func newTestManager(t *testing.T, gw llm.Gateway) (*Manager, *state.DB) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, gw, testConfig()), db
}

func TestLevelThresholds(t *testing.T) {
	m, _ := newTestManager(t, &fakeGateway{})

	tests := []struct {
		tokens int64
		want   Level
	}{
		{0, LevelOK},
		{139999, LevelOK},
		{140000, LevelWarning}, // exactly 0.70 of 200k
		{159999, LevelWarning},
		{160000, LevelRefresh}, // exactly 0.80
		{189999, LevelRefresh},
		{190000, LevelCritical}, // exactly 0.95
		{250000, LevelCritical},
	}
	for _, tt := range tests {
		if got := m.Level(tt.tokens); got != tt.want {
			t.Errorf("Level(%d) = %s, want %s", tt.tokens, got, tt.want)
		}
	}
}

func TestEnsureReusesActiveSession(t *testing.T) {
	m, _ := newTestManager(t, &fakeGateway{})

	first, err := m.Ensure("p1", "e1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := m.Ensure("p1", "e1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("got two sessions for one epic: %s, %s", first.ID, second.ID)
	}

	other, err := m.Ensure("p1", "e2")
	if err != nil {
		t.Fatalf("ensure other epic: %v", err)
	}
	if other.ID == first.ID {
		t.Error("epics share a session")
	}
}

func TestAcquireExclusive(t *testing.T) {
	m, _ := newTestManager(t, &fakeGateway{})

	if err := m.Acquire("sess-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Acquire("sess-1"); err == nil {
		t.Fatal("second acquire must be refused")
	}
	m.Release("sess-1")
	if err := m.Acquire("sess-1"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestCheckBeforeRotatesAtRefreshThreshold(t *testing.T) {
	gw := &fakeGateway{reply: "- csv parser done\n- averaging pending"}
	m, db := newTestManager(t, gw)

	sess, err := m.Ensure("p1", "e1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// One iteration record so the summarizer has material.
	it := &models.Iteration{
		ID: "it-1", TaskID: "t1", SessionID: sess.ID, Number: 1,
		Quality: 0.8, Decision: models.ActionProceed, CreatedAt: time.Now(),
	}
	if err := db.CreateIteration(it); err != nil {
		t.Fatalf("create iteration: %v", err)
	}
	if err := db.AddSessionTokens(sess.ID, 170000); err != nil {
		t.Fatalf("add tokens: %v", err)
	}

	fresh, level, err := m.CheckBefore(context.Background(), sess, "build csv statistics")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if level != LevelRefresh {
		t.Errorf("level = %s, want refresh", level)
	}
	if fresh.ID == sess.ID {
		t.Fatal("session was not rotated")
	}
	if fresh.PredecessorID != sess.ID {
		t.Error("successor not linked to predecessor")
	}
	if gw.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", gw.calls)
	}

	// Old session is closed with the generated summary; counters reset.
	old, err := db.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if old.State != models.SessionRefreshed || !strings.Contains(old.Summary, "csv parser") {
		t.Errorf("old session = %+v", old)
	}
	usage, _ := db.SessionUsage(fresh.ID)
	if usage != 0 {
		t.Errorf("fresh session usage = %d, want 0", usage)
	}

	// The summary is now what the next prompt's epic context picks up.
	summary, err := db.LatestSummaryForEpic("p1", "e1")
	if err != nil {
		t.Fatalf("latest summary: %v", err)
	}
	if summary != old.Summary {
		t.Errorf("latest summary = %q", summary)
	}
}

func TestCheckBeforeBelowThresholds(t *testing.T) {
	gw := &fakeGateway{reply: "unused"}
	m, db := newTestManager(t, gw)

	sess, _ := m.Ensure("p1", "e1")
	if err := db.AddSessionTokens(sess.ID, 1000); err != nil {
		t.Fatalf("add tokens: %v", err)
	}

	same, level, err := m.CheckBefore(context.Background(), sess, "epic")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if level != LevelOK || same.ID != sess.ID || gw.calls != 0 {
		t.Errorf("level=%s sameID=%v calls=%d", level, same.ID == sess.ID, gw.calls)
	}
}

func TestRefreshCarrySummary(t *testing.T) {
	gw := &fakeGateway{reply: "should not be used"}
	m, db := newTestManager(t, gw)
	m.cfg.CarrySummary = true

	// A refreshed predecessor holds the summary to carry.
	old := &models.Session{
		ID: "sess-0", ProjectID: "p1", EpicID: "e1",
		State: models.SessionActive, StartedAt: time.Now().Add(-time.Hour),
	}
	if err := db.CreateSession(old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	now := time.Now().Add(-time.Minute)
	old.State = models.SessionRefreshed
	old.Summary = "carried forward"
	old.EndedAt = &now
	if err := db.UpdateSession(old); err != nil {
		t.Fatalf("close old: %v", err)
	}

	sess, _ := m.Ensure("p1", "e1")
	fresh, err := m.Refresh(context.Background(), sess, "epic")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if gw.calls != 0 {
		t.Error("carry_summary still called the summarizer")
	}
	closed, _ := db.GetSession(sess.ID)
	if closed.Summary != "carried forward" {
		t.Errorf("summary = %q, want carried", closed.Summary)
	}
	if fresh.PredecessorID != sess.ID {
		t.Error("successor link missing")
	}
}

func TestEndWritesSummary(t *testing.T) {
	gw := &fakeGateway{reply: "- all tasks complete"}
	m, db := newTestManager(t, gw)

	sess, _ := m.Ensure("p1", "e1")
	it := &models.Iteration{
		ID: "it-1", TaskID: "t1", SessionID: sess.ID, Number: 1,
		Quality: 0.9, Decision: models.ActionProceed, CreatedAt: time.Now(),
	}
	if err := db.CreateIteration(it); err != nil {
		t.Fatalf("create iteration: %v", err)
	}

	if err := m.End(context.Background(), sess, "epic"); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, _ := db.GetSession(sess.ID)
	if got.State != models.SessionEnded || got.Summary == "" || got.EndedAt == nil {
		t.Errorf("ended session = %+v", got)
	}
}
