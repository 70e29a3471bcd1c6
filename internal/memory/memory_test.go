package memory_test

import (
	"context"
	"strings"
	"testing"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/internal/scan"
	"github.com/kilnworks/kiln/internal/vectorindex"
	"github.com/kilnworks/kiln/pkg/models"
)

func TestSeedScanFillsLayers(t *testing.T) {
	snap := &scan.Snapshot{
		Scan: models.WorkspaceScan{
			Root:        "/tmp/app",
			ProjectType: "python",
			TechStack:   []string{"Python", "Flask"},
			Files: []models.FileRecord{
				{Path: "app.py", Purpose: "Application entry point"},
				{Path: "models.py", Purpose: "Data models"},
			},
			DepGraph: map[string][]string{"app.py": {"models.py"}},
		},
		Contents: map[string]string{
			"app.py":    "from models import db\n",
			"models.py": "db = {}\n",
		},
	}

	s := memory.New()
	s.SeedScan(snap)

	if got := s.Architecture(); got == "" {
		t.Fatal("Architecture() is empty after SeedScan")
	}
	if got := s.FileIndex()["app.py"]; got != "Application entry point" {
		t.Errorf("FileIndex()[app.py] = %q, want %q", got, "Application entry point")
	}
	if got := s.Dependencies("app.py"); len(got) != 1 || got[0] != "models.py" {
		t.Errorf("Dependencies(app.py) = %v, want [models.py]", got)
	}
	if _, ok := s.Content("models.py"); !ok {
		t.Error("Content(models.py) missing after SeedScan")
	}
}

func TestApplyPlanOverridesScanSummary(t *testing.T) {
	s := memory.New()
	s.SeedScan(&scan.Snapshot{
		Scan:     models.WorkspaceScan{Files: []models.FileRecord{{Path: "old.py", Purpose: "legacy"}}},
		Contents: map[string]string{"old.py": "x = 1\n"},
	})

	s.ApplyPlan(models.Plan{
		ArchitectureSummary: "Flask REST API with a SQLite store",
		TechStack:           []string{"Python", "Flask", "SQLite"},
		Slots:               &models.SpecSlots{DatabaseSchema: "users(id, name)"},
		FileIndex:           map[string]string{"app.py": "HTTP entry point"},
		Tasks:               []models.PlanTask{{ID: 1, File: "db.py", Description: "SQLite helpers"}},
	})

	if got := s.Architecture(); got != "Flask REST API with a SQLite store" {
		t.Errorf("Architecture() = %q, want plan summary", got)
	}
	idx := s.FileIndex()
	if idx["app.py"] != "HTTP entry point" {
		t.Errorf("FileIndex()[app.py] = %q, want %q", idx["app.py"], "HTTP entry point")
	}
	if idx["db.py"] != "SQLite helpers" {
		t.Errorf("FileIndex()[db.py] = %q, want task description backfill", idx["db.py"])
	}
	if idx["old.py"] != "legacy" {
		t.Errorf("FileIndex()[old.py] = %q, want scan purpose preserved", idx["old.py"])
	}
}

func TestFileContextFormatsAndCaps(t *testing.T) {
	s := memory.New()
	s.RecordFile("a.py", "print('a')\n")
	s.RecordFile("big.py", strings.Repeat("x", memory.MaxFileReadChars+500))

	got := s.FileContext([]string{"a.py", "missing.py"})
	want := "### a.py\n```\nprint('a')\n\n```"
	if got != want {
		t.Errorf("FileContext = %q, want %q", got, want)
	}

	capped := s.FileContext([]string{"big.py"})
	if len(capped) > memory.MaxFileReadChars+50 {
		t.Errorf("FileContext(big.py) length = %d, want capped near %d", len(capped), memory.MaxFileReadChars)
	}

	if got := memory.New().FileContext([]string{"a.py"}); got != "(no existing files)" {
		t.Errorf("empty FileContext = %q, want placeholder", got)
	}
}

func TestFailureLogShowsLastFiveClipped(t *testing.T) {
	s := memory.New()
	if got := s.FailureLog(""); got != "(no previous failures)" {
		t.Fatalf("empty FailureLog = %q, want placeholder", got)
	}

	for i := 1; i <= 7; i++ {
		s.RecordFailure(models.FailureRecord{
			TaskID:       i,
			File:         "app.py",
			ErrorExcerpt: strings.Repeat("e", 90) + "#" + string(rune('0'+i)) + strings.Repeat("z", 40),
		})
	}
	s.RecordFailure(models.FailureRecord{TaskID: 99, File: "other.py", ErrorExcerpt: "boom"})

	got := s.FailureLog("app.py")
	lines := strings.Split(got, "\n")
	if len(lines) != 5 {
		t.Fatalf("FailureLog lines = %d, want 5:\n%s", len(lines), got)
	}
	if strings.Contains(got, "#2") {
		t.Error("FailureLog kept an entry older than the last five")
	}
	if !strings.Contains(got, "#7") {
		t.Error("FailureLog dropped the newest entry")
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "- [app.py] ") {
			t.Errorf("line %q missing file prefix", line)
		}
		if len(line) > len("- [app.py] ")+100 {
			t.Errorf("line %q exceeds the 100-char excerpt clip", line)
		}
	}
}

func TestHistoryTrimsOldestFirst(t *testing.T) {
	s := memory.New()
	for i := 0; i < memory.MaxHistoryMessages+5; i++ {
		s.AppendHistory(models.RoleChat, models.ChatMessage{
			Role:    "user",
			Content: string(rune('a' + i)),
		})
	}

	h := s.History(models.RoleChat)
	if len(h) != memory.MaxHistoryMessages {
		t.Fatalf("History length = %d, want %d", len(h), memory.MaxHistoryMessages)
	}
	if h[0].Content != string(rune('a'+5)) {
		t.Errorf("oldest surviving turn = %q, want %q", h[0].Content, string(rune('a'+5)))
	}

	s.ResetHistory(models.RoleChat)
	if got := len(s.History(models.RoleChat)); got != 0 {
		t.Errorf("History after reset = %d turns, want 0", got)
	}
}

func TestFormatSlots(t *testing.T) {
	s := memory.New()
	if got := s.FormatSlots(); got != "(simple project, no formal spec)" {
		t.Errorf("empty FormatSlots = %q, want placeholder", got)
	}

	s.ApplyPlan(models.Plan{Slots: &models.SpecSlots{
		DatabaseSchema: "users(id)",
		APISurface:     "GET /users",
		AuthFlow:       "none",
	}})
	got := s.FormatSlots()
	if !strings.Contains(got, "### Database Schema\nusers(id)") {
		t.Errorf("FormatSlots missing schema section:\n%s", got)
	}
	if !strings.Contains(got, "### API Surface") {
		t.Errorf("FormatSlots missing API section:\n%s", got)
	}
	if strings.Contains(got, "### Auth Flow") {
		t.Errorf("FormatSlots rendered auth flow %q, want omitted for none", got)
	}
}

func TestDepGraphRebuildsAfterRecordFile(t *testing.T) {
	s := memory.New()
	s.RecordFile("helpers.py", "def add(a, b):\n    return a + b\n")
	s.RecordFile("main.py", "from helpers import add\n")

	deps := s.Dependencies("main.py")
	if len(deps) != 1 || deps[0] != "helpers.py" {
		t.Errorf("Dependencies(main.py) = %v, want [helpers.py]", deps)
	}
}

// stubDriver embeds by keyword lookup so retrieval tests are
// deterministic without a live server.
type stubDriver struct {
	byKeyword map[string][]float64
}

func (d stubDriver) Kind() string    { return "stub" }
func (d stubDriver) Dimensions() int { return 3 }

func (d stubDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := []float64{0.1, 0.1, 0.1}
		for key, v := range d.byKeyword {
			if strings.Contains(text, key) {
				vec = v
			}
		}
		out[i] = vec
	}
	return out, nil
}

func retrievalStore() *memory.Store {
	driver := stubDriver{byKeyword: map[string][]float64{
		"auth.py":  {1, 0, 0},
		"db.py":    {0, 1, 0},
		"password": {0.9, 0.1, 0},
	}}
	return memory.New(memory.WithEmbeddings(driver, vectorindex.NewEmbedded()))
}

func TestIndexFilesSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	s := retrievalStore()
	s.RecordFile("auth.py", "def login(password):\n    pass\n")
	s.RecordFile("db.py", "conn = None\n")
	s.RecordFile("empty.py", "   \n")

	if got := s.IndexFiles(ctx); got != 2 {
		t.Fatalf("first IndexFiles = %d, want 2", got)
	}
	if got := s.IndexFiles(ctx); got != 0 {
		t.Errorf("second IndexFiles = %d, want 0 (hashes unchanged)", got)
	}

	s.RecordFile("db.py", "conn = connect()\n")
	if got := s.IndexFiles(ctx); got != 1 {
		t.Errorf("IndexFiles after edit = %d, want 1", got)
	}
}

func TestRelatedRanksByQuery(t *testing.T) {
	ctx := context.Background()
	s := retrievalStore()
	s.RecordFile("auth.py", "def login(password):\n    pass\n")
	s.RecordFile("db.py", "conn = None\n")
	s.IndexFiles(ctx)

	hits := s.Related(ctx, "hash the password before storing", 2)
	if len(hits) != 2 {
		t.Fatalf("Related returned %d hits, want 2", len(hits))
	}
	if hits[0].Path != "auth.py" {
		t.Errorf("top hit = %q, want auth.py", hits[0].Path)
	}
}

func TestRelatedContextHonorsBudget(t *testing.T) {
	ctx := context.Background()
	s := retrievalStore()
	s.RecordFile("auth.py", strings.Repeat("a", 50))
	s.RecordFile("db.py", strings.Repeat("b", 50))
	s.IndexFiles(ctx)

	got := s.RelatedContext(ctx, "password hashing", 2, 30)
	if n := strings.Count(got, "### "); n != 1 {
		t.Errorf("RelatedContext sections = %d, want 1 under a 30-char budget:\n%s", n, got)
	}
	if !strings.Contains(got, strings.Repeat("a", 30)) {
		t.Errorf("RelatedContext did not clip the top hit to budget:\n%s", got)
	}

	if got := memory.New().RelatedContext(ctx, "anything", 3, 100); got != "" {
		t.Errorf("RelatedContext without embeddings = %q, want empty", got)
	}
}

func TestSliceForReviewerLimitsDependencies(t *testing.T) {
	s := memory.New()
	for _, p := range []string{"a.py", "b.py", "c.py", "d.py"} {
		s.RecordFile(p, "x = 1\n")
	}

	slice := s.SliceForReviewer([]string{"a.py", "b.py", "c.py", "d.py"})
	if strings.Contains(slice.DepContext, "### d.py") {
		t.Error("reviewer slice included a fourth dependency file")
	}
	if !strings.Contains(slice.DepContext, "### c.py") {
		t.Error("reviewer slice missing the third dependency file")
	}
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := retrievalStore()
	s.ApplyPlan(models.Plan{
		ArchitectureSummary: "CLI tool",
		TechStack:           []string{"Python"},
		FileIndex:           map[string]string{"main.py": "entry"},
	})
	s.RecordFile("auth.py", "def login(password):\n    pass\n")
	s.IndexFiles(ctx)
	s.RecordFailure(models.FailureRecord{TaskID: 1, File: "main.py", ErrorExcerpt: "SyntaxError"})
	s.AppendHistory(models.RoleChat, models.ChatMessage{Role: "user", Content: "hi"})

	st := s.State(ctx)

	restored := retrievalStore()
	restored.Restore(ctx, st)

	if got := restored.Architecture(); got != "CLI tool" {
		t.Errorf("restored Architecture = %q, want %q", got, "CLI tool")
	}
	if got := restored.FailureLog("main.py"); !strings.Contains(got, "SyntaxError") {
		t.Errorf("restored FailureLog = %q, want SyntaxError entry", got)
	}
	if got := restored.History(models.RoleChat); len(got) != 1 {
		t.Errorf("restored History turns = %d, want 1", len(got))
	}
	restored.RecordFile("auth.py", "def login(password):\n    pass\n")
	hits := restored.Related(ctx, "password hashing", 1)
	if len(hits) != 1 || hits[0].Path != "auth.py" {
		t.Errorf("restored Related = %v, want auth.py hit", hits)
	}
}
