package engine_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/engine"
	"github.com/kilnworks/kiln/internal/notify"
	"github.com/kilnworks/kiln/internal/ollamatest"
	"github.com/kilnworks/kiln/internal/session"
)

const onePlan = `{"architecture_summary": "Single config",
	"tech_stack": ["json"],
	"file_index": {"config.json": "configuration"},
	"tasks": [{"id": 1, "file": "config.json", "description": "config file", "depends_on": []}]}`

// stackResponder plays every persona the engine wires: the classifier,
// the four build roles, the agentic role, and chat.
func stackResponder() ollamatest.Responder {
	handlers := map[string]string{
		"grade coding requests":        "simple/small",
		"kiln planner":                 onePlan,
		"kiln coder":                   `{"ok": true}`,
		"kiln reviewer":                `{"approved": true, "issues": [], "summary": "fine"}`,
		"autonomous software engineer": "===FILE: note.txt===\nhi\n===END===\n===RUN: echo hi===\n",
		"kiln assistant":               "The config enables the ok flag.",
	}
	return func(call ollamatest.ChatCall) (string, error) {
		sys := call.SystemContent()
		for key, answer := range handlers {
			if strings.Contains(sys, key) {
				return answer, nil
			}
		}
		return "", fmt.Errorf("no responder for system prompt %.40q", sys)
	}
}

func testConfig(host, dataDir string) *config.Config {
	return &config.Config{
		Version: "0.4.0",
		Ollama: config.OllamaConfig{
			Host:        host,
			ChatTimeout: time.Minute,
			PullTimeout: time.Minute,
		},
		Engine: config.EngineConfig{
			Fanout:     2,
			RunTimeout: 30 * time.Second,
			DataDir:    dataDir,
		},
	}
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, string, *ollamatest.Server) {
	t.Helper()
	srv := ollamatest.New(
		ollamatest.WithInstalled("deepseek-r1:8b", "qwen2.5-coder:7b", "llama3.2:3b", "llama3.1:8b"),
		ollamatest.WithResponder(stackResponder()),
	)
	t.Cleanup(srv.Close)

	workspace := t.TempDir()
	eng, err := engine.New(context.Background(), workspace, testConfig(srv.URL, t.TempDir()), opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, workspace, srv
}

func TestBuildProducesVerifiedFiles(t *testing.T) {
	buffer := notify.NewBufferSink(64)
	eng, workspace, _ := newEngine(t, engine.WithEventSink(buffer))

	res, err := eng.Build(context.Background(), "make a simple config file")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !res.Completed || res.Verified != 1 {
		t.Fatalf("Build result = %+v, want 1 verified task", res)
	}

	data, err := os.ReadFile(filepath.Join(workspace, "config.json"))
	if err != nil {
		t.Fatalf("config.json not written: %v", err)
	}
	if !strings.Contains(string(data), `"ok"`) {
		t.Errorf("config.json = %q", data)
	}
	if _, err := os.Stat(filepath.Join(workspace, session.FileName)); err != nil {
		t.Errorf("session autosave missing: %v", err)
	}

	completed := 0
	for _, ev := range buffer.Events() {
		if ev.Type == string(notify.EventBuildCompleted) {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("build_completed events = %d, want 1", completed)
	}
}

func TestResumeAfterCompletedBuildMakesOneClassifierCall(t *testing.T) {
	eng, _, srv := newEngine(t)

	res, err := eng.Build(context.Background(), "make a simple config file")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	before := len(srv.ChatCalls())

	resumed, err := eng.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.RunID != res.RunID {
		t.Errorf("resumed RunID = %q, want %q", resumed.RunID, res.RunID)
	}
	if !resumed.Completed {
		t.Errorf("resumed result = %+v, want completed", resumed)
	}
	if calls := len(srv.ChatCalls()) - before; calls != 1 {
		t.Errorf("resume made %d model calls, want 1 (classification only)", calls)
	}
}

func TestResumeWithoutSessionErrors(t *testing.T) {
	eng, _, _ := newEngine(t)

	if _, err := eng.Resume(context.Background()); err == nil {
		t.Fatal("Resume() on an empty workspace succeeded, want error")
	} else if !strings.Contains(err.Error(), "no session") {
		t.Errorf("Resume() error = %v, want a no-session message", err)
	}
}

func TestChatLeavesWorkspaceUntouched(t *testing.T) {
	eng, workspace, _ := newEngine(t)

	answer, err := eng.Chat(context.Background(), "what does the config do?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(answer, "ok flag") {
		t.Errorf("Chat answer = %q", answer)
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace has %d entries after chat, want 0", len(entries))
	}
}

func TestAgenticAppliesFilesAndRunsCommands(t *testing.T) {
	eng, workspace, _ := newEngine(t)

	res, err := eng.Agentic(context.Background(), "write a note")
	if err != nil {
		t.Fatalf("Agentic: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0] != "note.txt" {
		t.Fatalf("Files = %v, want [note.txt]", res.Files)
	}
	if _, err := os.Stat(filepath.Join(workspace, "note.txt")); err != nil {
		t.Errorf("note.txt not written: %v", err)
	}
	if len(res.Runs) != 1 || res.Runs[0].Command != "echo hi" || res.Runs[0].ExitCode != 0 {
		t.Errorf("Runs = %+v, want echo hi exiting 0", res.Runs)
	}
}

func TestAgenticHonorsAutonomyRevocation(t *testing.T) {
	srv := ollamatest.New(
		ollamatest.WithInstalled("deepseek-r1:8b", "qwen2.5-coder:7b", "llama3.2:3b", "llama3.1:8b"),
		ollamatest.WithResponder(stackResponder()),
	)
	t.Cleanup(srv.Close)

	dataDir := t.TempDir()
	raw := []byte(`{"autonomous_access": false, "auto_save_sessions": true, "default_mode": "agent"}`)
	if err := os.WriteFile(filepath.Join(dataDir, "settings.json"), raw, 0o600); err != nil {
		t.Fatal(err)
	}

	eng, err := engine.New(context.Background(), t.TempDir(), testConfig(srv.URL, dataDir))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Close)

	res, err := eng.Agentic(context.Background(), "write a note")
	if err != nil {
		t.Fatalf("Agentic: %v", err)
	}
	if len(res.Runs) != 0 {
		t.Errorf("Runs = %+v, want none with autonomous access revoked", res.Runs)
	}
	if len(res.Suggested) != 1 || res.Suggested[0] != "echo hi" {
		t.Errorf("Suggested = %v, want [echo hi]", res.Suggested)
	}
	if len(res.Files) != 1 {
		t.Errorf("Files = %v, file writes should still happen", res.Files)
	}
}

func TestStatusReportsServerAndSession(t *testing.T) {
	eng, workspace, _ := newEngine(t)

	st := eng.Status(context.Background())
	if !st.ServerReachable {
		t.Error("ServerReachable = false, want true")
	}
	if st.Workspace != workspace {
		t.Errorf("Workspace = %q, want %q", st.Workspace, workspace)
	}
	if st.Session.Present {
		t.Error("Session.Present = true before any build")
	}
	found := false
	for _, name := range st.InstalledModels {
		if name == "llama3.2:3b" {
			found = true
		}
	}
	if !found {
		t.Errorf("InstalledModels = %v, missing llama3.2:3b", st.InstalledModels)
	}

	res, err := eng.Build(context.Background(), "make a simple config file")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	st = eng.Status(context.Background())
	if !st.Session.Present || !st.Session.Resumable {
		t.Fatalf("Session = %+v, want present and resumable", st.Session)
	}
	if st.Session.RunID != res.RunID {
		t.Errorf("Session.RunID = %q, want %q", st.Session.RunID, res.RunID)
	}
	if st.Session.Tasks != 1 || st.Session.Verified != 1 {
		t.Errorf("Session tasks = %d verified = %d, want 1/1", st.Session.Tasks, st.Session.Verified)
	}
}

// Classification flows from the keyword phase even when the model vote
// is garbage; the engine must not fail a build over it.
func TestBuildSurvivesUnparseableClassifierVote(t *testing.T) {
	base := stackResponder()
	responder := func(call ollamatest.ChatCall) (string, error) {
		if strings.Contains(call.SystemContent(), "grade coding requests") {
			return "whatever you say", nil
		}
		return base(call)
	}
	srv := ollamatest.New(
		ollamatest.WithInstalled("deepseek-r1:8b", "qwen2.5-coder:7b", "llama3.2:3b", "llama3.1:8b"),
		ollamatest.WithResponder(responder),
	)
	t.Cleanup(srv.Close)

	eng, err := engine.New(context.Background(), t.TempDir(), testConfig(srv.URL, t.TempDir()))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Close)

	res, err := eng.Build(context.Background(), "make a simple config file")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !res.Completed {
		t.Errorf("Build result = %+v, want completed", res)
	}
}
