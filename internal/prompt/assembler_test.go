package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/obra-dev/obra/pkg/models"
)

func testTask() *models.Task {
	return &models.Task{
		ID:                 "t1",
		Title:              "Add CSV statistics",
		Description:        "Write a script that computes per-column means from data.csv.",
		AcceptanceCriteria: "Running the script prints one mean per numeric column.",
	}
}

func TestAssembleIncludesCoreSections(t *testing.T) {
	a := New(200000)
	p, err := a.Assemble(Input{
		Task:        testTask(),
		EpicSummary: "- parser module finished\n- averaging still pending",
		Directives:  []string{"use the stdlib csv package, no pandas"},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	for _, want := range []string{
		"Add CSV statistics",
		"per-column means",
		"Acceptance Criteria",
		"parser module finished",
		"User Guidance",
		"use the stdlib csv package",
		"SUMMARY:",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestFeedbackOnlyAfterClarifyOrRetry(t *testing.T) {
	a := New(200000)
	in := Input{
		Task:          testTask(),
		PriorFeedback: []string{"missing header row handling"},
	}

	for _, action := range []models.Action{models.ActionClarify, models.ActionRetry} {
		in.PriorAction = action
		p, err := a.Assemble(in)
		if err != nil {
			t.Fatalf("assemble after %s: %v", action, err)
		}
		if !strings.Contains(p, "missing header row handling") {
			t.Errorf("feedback absent after %s", action)
		}
	}

	in.PriorAction = models.ActionProceed
	p, err := a.Assemble(in)
	if err != nil {
		t.Fatalf("assemble after proceed: %v", err)
	}
	if strings.Contains(p, "missing header row handling") {
		t.Error("feedback included after proceed")
	}
}

func TestTruncationOrder(t *testing.T) {
	task := testTask()
	feedback := []string{strings.Repeat("issue detail ", 50)}
	epic := "- oldest bullet " + strings.Repeat("x", 400) +
		"\n- newest bullet " + strings.Repeat("y", 100)

	// Budget sized so everything together overflows but the task alone fits.
	base := EstimateTokens(New(1).render(Input{Task: task}, nil, false))
	a := New(int64(float64(base+200) / 0.8))

	p, err := a.Assemble(Input{
		Task:          task,
		EpicSummary:   epic,
		PriorFeedback: feedback,
		PriorAction:   models.ActionRetry,
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	// Feedback goes first; the task description never does.
	if strings.Contains(p, "issue detail") {
		t.Error("prior-iteration feedback survived truncation it should have lost")
	}
	if !strings.Contains(p, "per-column means") {
		t.Error("task description was truncated")
	}
	// If any epic bullet survives it must be the newest.
	if strings.Contains(p, "oldest bullet") && !strings.Contains(p, "newest bullet") {
		t.Error("oldest epic bullet kept while newest dropped")
	}
}

func TestAssembleOverflow(t *testing.T) {
	task := testTask()
	task.Description = strings.Repeat("very long description ", 1000)
	a := New(100)

	_, err := a.Assemble(Input{Task: task})
	if !errors.Is(err, ErrContextOverflow) {
		t.Errorf("err = %v, want ErrContextOverflow", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := New(200000)
	in := Input{Task: testTask()}

	p1, err := a.Assemble(in)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	p2, _ := a.Assemble(in)

	if Fingerprint(p1) != Fingerprint(p2) {
		t.Error("same input produced different fingerprints")
	}
	if Fingerprint(p1) == Fingerprint(p1+" ") {
		t.Error("different prompts share a fingerprint")
	}
	if len(Fingerprint(p1)) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(Fingerprint(p1)))
	}
}

func TestSchemaFieldsCopied(t *testing.T) {
	fields := SchemaFields()
	fields[0] = "tampered"
	if SchemaFields()[0] == "tampered" {
		t.Error("SchemaFields exposed internal slice")
	}
}
