package directive

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

func newTestInbox(t *testing.T, gw llm.Gateway) (*Inbox, *state.DB) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewInbox(db, gw), db
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		text string
		want models.DirectiveIntent
	}{
		{"accept this iteration, it is close enough", models.IntentDecisionHint},
		{"why is it still failing the parser step?", models.IntentFeedbackRequest},
		{"be strict about error handling when you score", models.IntentValidationGuidance},
		{"verify the output handles empty files", models.IntentValidationGuidance},
		{"keep going", models.IntentGeneral},
	}
	for _, tt := range tests {
		if got := ClassifyIntent(tt.text); got != tt.want {
			t.Errorf("ClassifyIntent(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestSubmitAndCollect(t *testing.T) {
	in, _ := newTestInbox(t, nil)

	if _, err := in.Submit("p1", "t1", models.TargetImplementer, "use the stdlib", false); err != nil {
		t.Fatalf("submit impl: %v", err)
	}
	if _, err := in.Submit("p1", "t1", models.TargetOrchestrator, "score strictly", false); err != nil {
		t.Fatalf("submit orch: %v", err)
	}
	if _, err := in.Submit("p1", "t1", models.TargetOrchestrator, "accept the next pass", false); err != nil {
		t.Fatalf("submit hint: %v", err)
	}

	b, err := in.Collect("p1", "t1", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(b.ToImpl) != 1 || b.ToImpl[0] != "use the stdlib" {
		t.Errorf("to_impl = %v", b.ToImpl)
	}
	if len(b.ValidationGuidance) != 1 {
		t.Errorf("validation guidance = %v", b.ValidationGuidance)
	}
	if b.DecisionHint != "accept the next pass" {
		t.Errorf("decision hint = %q", b.DecisionHint)
	}
}

func TestMidIterationDirectiveWaits(t *testing.T) {
	in, _ := newTestInbox(t, nil)

	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	if _, err := in.Submit("p1", "t1", models.TargetImplementer, "arrived late", false); err != nil {
		t.Fatalf("submit: %v", err)
	}

	b, err := in.Collect("p1", "t1", cutoff)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(b.ToImpl) != 0 {
		t.Errorf("mid-iteration directive applied early: %v", b.ToImpl)
	}

	// The following iteration picks it up.
	b, err = in.Collect("p1", "t1", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("collect next: %v", err)
	}
	if len(b.ToImpl) != 1 {
		t.Errorf("directive lost: %v", b.ToImpl)
	}
}

func TestOneShotConsumptionAndSticky(t *testing.T) {
	in, _ := newTestInbox(t, nil)

	if _, err := in.Submit("p1", "t1", models.TargetImplementer, "one shot", false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := in.Submit("p1", "t1", models.TargetImplementer, "sticky rule", true); err != nil {
		t.Fatalf("submit sticky: %v", err)
	}

	b, err := in.Collect("p1", "t1", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(b.ToImpl) != 2 {
		t.Fatalf("to_impl = %v", b.ToImpl)
	}
	if err := in.MarkConsumed(b); err != nil {
		t.Fatalf("consume: %v", err)
	}

	b, err = in.Collect("p1", "t1", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("collect again: %v", err)
	}
	if len(b.ToImpl) != 1 || b.ToImpl[0] != "sticky rule" {
		t.Errorf("after consumption to_impl = %v, want only the sticky one", b.ToImpl)
	}
}

func TestAnswerFeedbackStoresPendingToImpl(t *testing.T) {
	gw := &fakeGateway{reply: "The parser fails on quoted fields; handle RFC 4180 quoting."}
	in, _ := newTestInbox(t, gw)

	if _, err := in.Submit("p1", "t1", models.TargetOrchestrator, "why does the parser keep failing?", false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	b, err := in.Collect("p1", "t1", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(b.FeedbackRequests) != 1 {
		t.Fatalf("feedback requests = %d", len(b.FeedbackRequests))
	}

	in.AnswerFeedback(context.Background(), b, "build csv parser", "SUMMARY: tried again", 0.55)
	if gw.calls != 1 {
		t.Errorf("gateway calls = %d", gw.calls)
	}
	if err := in.MarkConsumed(b); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// The analysis shows up as a to_impl for the next iteration.
	next, err := in.Collect("p1", "t1", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("collect next: %v", err)
	}
	if len(next.ToImpl) != 1 || !strings.Contains(next.ToImpl[0], "RFC 4180") {
		t.Errorf("to_impl = %v, want stored analysis", next.ToImpl)
	}
}

func TestClear(t *testing.T) {
	in, _ := newTestInbox(t, nil)
	if _, err := in.Submit("p1", "t1", models.TargetImplementer, "pending", false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := in.Clear("p1", "t1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	b, _ := in.Collect("p1", "t1", time.Now().Add(time.Second))
	if len(b.ToImpl) != 0 {
		t.Error("directives survived clear")
	}
}
