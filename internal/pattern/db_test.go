package pattern

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), StateFileName), 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return db
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{
			name: "line numbers masked",
			a:    "panic at line 42 in handler",
			b:    "panic at line 97 in handler",
			same: true,
		},
		{
			name: "colon line refs masked",
			a:    "main.go:42:7: undefined: foo",
			b:    "main.go:99:1: undefined: foo",
			same: true,
		},
		{
			name: "path prefixes stripped",
			a:    "cannot open /home/alice/project/src/db.go",
			b:    "cannot open /tmp/build/src/db.go",
			same: true,
		},
		{
			name: "hex addresses masked",
			a:    "segfault at 0xdeadbeef",
			b:    "segfault at 0x1234abcd",
			same: true,
		},
		{
			name: "timestamps masked",
			a:    "2026-01-15T10:30:00Z request failed",
			b:    "2026-02-20 08:01:59 request failed",
			same: true,
		},
		{
			name: "whitespace and case collapsed",
			a:    "Connection  Refused",
			b:    "connection refused",
			same: true,
		},
		{
			name: "different errors stay distinct",
			a:    "undefined: foo",
			b:    "index out of range",
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.a) == Normalize(tt.b)
			if got != tt.same {
				t.Errorf("Normalize(%q)=%q vs Normalize(%q)=%q, same=%v want %v",
					tt.a, Normalize(tt.a), tt.b, Normalize(tt.b), got, tt.same)
			}
		})
	}
}

func TestRecordErrorCreatesAndMerges(t *testing.T) {
	db := newTestDB(t)

	id1, err := db.RecordError("test_failure", "assert failed at line 10", "auth_test.go")
	if err != nil {
		t.Fatalf("RecordError() error = %v", err)
	}
	// Same failure, different line: merges into the same pattern.
	id2, err := db.RecordError("test_failure", "assert failed at line 55", "login_test.go")
	if err != nil {
		t.Fatalf("RecordError() error = %v", err)
	}
	if id1 != id2 {
		t.Fatalf("pattern IDs differ for same normalized signature: %q vs %q", id1, id2)
	}

	p, err := db.Pattern(id1)
	if err != nil {
		t.Fatalf("Pattern() error = %v", err)
	}
	if p.OccurrenceCount != 2 {
		t.Errorf("OccurrenceCount = %d, want 2", p.OccurrenceCount)
	}
	if len(p.FilePatterns) != 2 {
		t.Errorf("FilePatterns = %v, want both files", p.FilePatterns)
	}
}

func TestRecordErrorDistinctTypes(t *testing.T) {
	db := newTestDB(t)

	id1, _ := db.RecordError("test_failure", "boom", "")
	id2, _ := db.RecordError("build_error", "boom", "")
	if id1 == id2 {
		t.Error("same ID for different error types, want distinct")
	}
}

func TestFreshPatternClearsInjectionFloor(t *testing.T) {
	db := newTestDB(t)

	// A pattern learned moments ago must already be injectable at the
	// default relevance floor, not only after it recurs.
	db.RecordError("test_failure", "brand new failure", "")

	got := db.Relevant(5, 0.3)
	if len(got) != 1 {
		t.Fatalf("Relevant(0.3 floor) = %d patterns, want the fresh pattern", len(got))
	}
	if got[0].RelevanceScore != 1.0 {
		t.Errorf("fresh RelevanceScore = %v, want 1.0", got[0].RelevanceScore)
	}
}

func TestResolutionBoostCapped(t *testing.T) {
	db := newTestDB(t)

	id, _ := db.RecordError("stall", "agent looping", "")
	for i := 0; i < 20; i++ {
		db.RecordResolution(id, "restart the session", true)
	}

	p, _ := db.Pattern(id)
	if p.RelevanceScore > 1.0 {
		t.Errorf("RelevanceScore = %v, want capped at 1.0", p.RelevanceScore)
	}
	if p.RelevanceScore < 0.99 {
		t.Errorf("RelevanceScore = %v after 20 resolutions, want ~1.0", p.RelevanceScore)
	}
}

func TestRecordResolution(t *testing.T) {
	db := newTestDB(t)

	id, _ := db.RecordError("test_failure", "flaky timeout", "")
	db.RecordError("test_failure", "flaky timeout", "")

	if err := db.RecordResolution(id, "increase deadline", true); err != nil {
		t.Fatalf("RecordResolution() error = %v", err)
	}
	if err := db.RecordResolution(id, "retry harder", false); err != nil {
		t.Fatalf("RecordResolution() error = %v", err)
	}

	p, _ := db.Pattern(id)
	if p.ResolutionCount != 1 {
		t.Errorf("ResolutionCount = %d, want 1", p.ResolutionCount)
	}
	if p.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5 (1 resolution / 2 occurrences)", p.SuccessRate)
	}
	if len(p.SuccessfulFixes) != 1 || p.SuccessfulFixes[0] != "increase deadline" {
		t.Errorf("SuccessfulFixes = %v", p.SuccessfulFixes)
	}
	if len(p.FailedFixes) != 1 || p.FailedFixes[0] != "retry harder" {
		t.Errorf("FailedFixes = %v", p.FailedFixes)
	}
}

func TestRecordResolutionUnknownPattern(t *testing.T) {
	db := newTestDB(t)
	if err := db.RecordResolution("nope", "fix", true); err == nil {
		t.Error("RecordResolution(unknown) succeeded, want error")
	}
}

func TestGeometricDecay(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })

	id, _ := db.RecordError("stall", "looping", "")
	fresh, _ := db.Pattern(id)

	// Ten days later the relevance has decayed by 0.9^10.
	db.SetClock(func() time.Time { return base.Add(10 * 24 * time.Hour) })
	aged, _ := db.Pattern(id)

	want := fresh.RelevanceScore * 0.34867844 // 0.9^10
	if diff := aged.RelevanceScore - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("decayed relevance = %v, want %v", aged.RelevanceScore, want)
	}
}

func TestRecurrenceHaltsDecayWithoutRestoring(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })
	id, _ := db.RecordError("stall", "looping", "")

	// Ten days later the pattern recurs: the decayed score is frozen
	// and decay restarts from the new sighting.
	db.SetClock(func() time.Time { return base.Add(10 * 24 * time.Hour) })
	db.RecordError("stall", "looping", "")

	p, _ := db.Pattern(id)
	decayed := 0.34867844 // 0.9^10
	if diff := p.RelevanceScore - decayed; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("RelevanceScore = %v after recurrence, want %v", p.RelevanceScore, decayed)
	}
	if p.OccurrenceCount != 2 {
		t.Errorf("OccurrenceCount = %d, want 2", p.OccurrenceCount)
	}

	// Only a successful resolution restores relevance.
	db.RecordResolution(id, "restart the session", true)
	p, _ = db.Pattern(id)
	want := decayed + relevanceBoost
	if diff := p.RelevanceScore - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("RelevanceScore = %v after resolution, want %v", p.RelevanceScore, want)
	}
}

func TestRelevantFiltersAndRanks(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })

	// Pattern C: a different type, last seen 20 days ago so its
	// relevance has decayed well under the usual floor.
	db.RecordError("build_error", "error gamma", "")

	db.SetClock(func() time.Time { return base.Add(20 * 24 * time.Hour) })

	// Pattern A: frequent with a proven fix.
	var idA string
	for i := 0; i < 5; i++ {
		idA, _ = db.RecordError("test_failure", "error alpha", "")
	}
	db.RecordResolution(idA, "fix alpha", true)
	db.RecordResolution(idA, "fix alpha", true)

	// Pattern B: frequent, never resolved.
	for i := 0; i < 5; i++ {
		db.RecordError("test_failure", "error beta", "")
	}

	got := db.Relevant(10, 0.0)
	if len(got) != 3 {
		t.Fatalf("Relevant() = %d patterns, want 3", len(got))
	}
	// A and B are equally fresh, but A's success rate ranks it first.
	if got[0].Signature != "error alpha" {
		t.Errorf("top pattern = %q, want error alpha", got[0].Signature)
	}

	// Type filter.
	builds := db.Relevant(10, 0.0, "build_error")
	if len(builds) != 1 || builds[0].Signature != "error gamma" {
		t.Errorf("Relevant(build_error) = %v", builds)
	}

	// Max limit.
	if got := db.Relevant(1, 0.0); len(got) != 1 {
		t.Errorf("Relevant(max=1) = %d patterns, want 1", len(got))
	}

	// Relevance floor filters out the stale pattern.
	high := db.Relevant(10, 0.3)
	for _, p := range high {
		if p.Signature == "error gamma" {
			t.Error("decayed pattern passed the floor")
		}
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFileName)

	db, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	id, _ := db.RecordError("test_failure", "persistent error", "db.go")
	db.RecordResolution(id, "the fix", true)

	reloaded, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open() reload error = %v", err)
	}
	p, err := reloaded.Pattern(id)
	if err != nil {
		t.Fatalf("Pattern() after reload error = %v", err)
	}
	if p.OccurrenceCount != 1 || p.ResolutionCount != 1 {
		t.Errorf("reloaded pattern = %+v", p)
	}
	if len(p.SuccessfulFixes) != 1 {
		t.Errorf("SuccessfulFixes lost across reload: %v", p.SuccessfulFixes)
	}
}

func TestStats(t *testing.T) {
	db := newTestDB(t)

	idA, _ := db.RecordError("test_failure", "one", "")
	db.RecordError("test_failure", "one", "")
	db.RecordError("stall", "two", "")
	db.RecordResolution(idA, "fix", true)

	s := db.Stats()
	if s.TotalPatterns != 2 {
		t.Errorf("TotalPatterns = %d, want 2", s.TotalPatterns)
	}
	if s.TotalOccurrences != 3 {
		t.Errorf("TotalOccurrences = %d, want 3", s.TotalOccurrences)
	}
	if s.TotalResolutions != 1 {
		t.Errorf("TotalResolutions = %d, want 1", s.TotalResolutions)
	}
}

func TestPrompterAugment(t *testing.T) {
	db := newTestDB(t)

	id, _ := db.RecordError("test_failure", "undefined: session", "auth.go")
	db.RecordResolution(id, "import the session package", true)

	prompter := NewPrompter(db, 5, 0.0)
	out := prompter.Augment("Implement the next feature.")

	if !strings.HasSuffix(out, "Implement the next feature.") {
		t.Error("base prompt not preserved at the end")
	}
	if !strings.Contains(out, "undefined: session") {
		t.Error("pattern signature missing from augmented prompt")
	}
	if !strings.Contains(out, "import the session package") {
		t.Error("known fix missing from augmented prompt")
	}
	if !strings.Contains(out, "auth.go") {
		t.Error("file hint missing from augmented prompt")
	}
	if strings.Index(out, "undefined: session") > strings.Index(out, "Implement the next feature.") {
		t.Error("guidance should precede the task content")
	}
}

func TestPrompterNoPatternsUnchanged(t *testing.T) {
	db := newTestDB(t)
	prompter := NewPrompter(db, 5, 0.0)

	base := "Just the task."
	if out := prompter.Augment(base); out != base {
		t.Errorf("Augment() = %q, want unchanged prompt", out)
	}
}

func TestPrompterDisabled(t *testing.T) {
	db := newTestDB(t)
	db.RecordError("stall", "something", "")

	prompter := NewPrompter(db, 0, 0.0)
	base := "Task."
	if out := prompter.Augment(base); out != base {
		t.Errorf("Augment() with maxInjected=0 = %q, want unchanged", out)
	}
}
