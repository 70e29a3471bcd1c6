package orchestrate_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kilnworks/kiln/internal/catalog"
	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/internal/notify"
	"github.com/kilnworks/kiln/internal/ollama"
	"github.com/kilnworks/kiln/internal/ollamatest"
	"github.com/kilnworks/kiln/internal/orchestrate"
	"github.com/kilnworks/kiln/internal/process"
	"github.com/kilnworks/kiln/internal/roles"
	"github.com/kilnworks/kiln/internal/route"
	"github.com/kilnworks/kiln/internal/session"
	"github.com/kilnworks/kiln/internal/verify"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

var simpleClass = models.Classification{Complexity: models.ComplexitySimple, Size: models.SizeSmall}

// roleResponder dispatches scripted answers by the role baked into each
// system prompt, so one fake server can play all four roles at once.
func roleResponder(handlers map[string]func(call ollamatest.ChatCall) string) ollamatest.Responder {
	return func(call ollamatest.ChatCall) (string, error) {
		sys := call.SystemContent()
		for key, fn := range handlers {
			if strings.Contains(sys, key) {
				return fn(call), nil
			}
		}
		return "", fmt.Errorf("no responder for system prompt %.40q", sys)
	}
}

func approve(ollamatest.ChatCall) string {
	return `{"approved": true, "issues": [], "summary": "looks good"}`
}

func diagnosis(forbid string) func(ollamatest.ChatCall) string {
	return func(ollamatest.ChatCall) string {
		return fmt.Sprintf(`{"root_cause": "malformed JSON object",
			"affected_file": "", "affected_function": "",
			"fix_strategy": "balance the braces",
			"is_dependency_issue": false, "severity": "critical",
			"forbid_strategies": [%s]}`, forbid)
	}
}

// twoTaskPlan writes notes.txt first and data.json on top of it, which
// forces two waves.
const twoTaskPlan = `{"architecture_summary": "Static data site",
	"tech_stack": ["json"],
	"file_index": {"notes.txt": "notes", "data.json": "payload"},
	"tasks": [
		{"id": 1, "file": "notes.txt", "description": "notes file", "depends_on": []},
		{"id": 2, "file": "data.json", "description": "payload file", "depends_on": [1]}
	]}`

const oneTaskPlan = `{"architecture_summary": "Single config",
	"tech_stack": ["json"],
	"file_index": {"config.json": "configuration"},
	"tasks": [{"id": 1, "file": "config.json", "description": "config file", "depends_on": []}]}`

type testRig struct {
	root  string
	srv   *ollamatest.Server
	mem   *memory.Store
	store *session.Store
	orch  *orchestrate.Orchestrator
}

func newRig(t *testing.T, responder ollamatest.Responder, opts ...orchestrate.Option) *testRig {
	t.Helper()
	root := t.TempDir()
	srv := ollamatest.New(
		ollamatest.WithInstalled("deepseek-r1:8b", "qwen2.5-coder:7b", "llama3.2:3b", "llama3.1:8b"),
		ollamatest.WithResponder(responder),
	)
	t.Cleanup(srv.Close)

	mem := memory.New()
	client := ollama.New(srv.URL)
	router := route.New(client, catalog.New())
	engines := roles.New(client, router, mem)
	verifier := verify.New(root, process.New(root))
	store := session.NewStore(root)

	opts = append([]orchestrate.Option{orchestrate.WithSessions(store)}, opts...)
	return &testRig{
		root:  root,
		srv:   srv,
		mem:   mem,
		store: store,
		orch:  orchestrate.New(root, engines, mem, verifier, opts...),
	}
}

func plannerCalls(srv *ollamatest.Server) int {
	n := 0
	for _, c := range srv.ChatCalls() {
		if strings.Contains(c.SystemContent(), "kiln planner") {
			n++
		}
	}
	return n
}

func TestRunBuildsDependentTasksInWaves(t *testing.T) {
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner": func(ollamatest.ChatCall) string { return twoTaskPlan },
		"kiln coder": func(call ollamatest.ChatCall) string {
			if strings.Contains(call.UserContent(), "File: data.json") {
				return `{"source": "notes"}`
			}
			return "remember the milk\n"
		},
		"kiln reviewer": approve,
	})

	buf := notify.NewBufferSink(0)
	rig := newRig(t, responder, orchestrate.WithEvents(buf))

	res, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "build a data site",
		Class:   simpleClass,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Completed || res.Verified != 2 || res.Failed != 0 || res.Skipped != 0 {
		t.Errorf("result = verified %d failed %d skipped %d completed %v, want 2/0/0/true",
			res.Verified, res.Failed, res.Skipped, res.Completed)
	}
	if res.Waves != 2 {
		t.Errorf("waves = %d, want 2", res.Waves)
	}
	if res.Tasks[0].Wave >= res.Tasks[1].Wave {
		t.Errorf("dependent task wave %d not after dependency wave %d",
			res.Tasks[1].Wave, res.Tasks[0].Wave)
	}

	data, err := os.ReadFile(filepath.Join(rig.root, "data.json"))
	if err != nil {
		t.Fatalf("data.json not written: %v", err)
	}
	if string(data) != `{"source": "notes"}` {
		t.Errorf("data.json = %q", data)
	}

	types := map[string]int{}
	for _, ev := range buf.Events() {
		types[ev.Type]++
	}
	for typ, want := range map[string]int{
		"task_generated":  2,
		"task_verified":   2,
		"wave_completed":  2,
		"build_completed": 1,
	} {
		if types[typ] != want {
			t.Errorf("%s events = %d, want %d", typ, types[typ], want)
		}
	}

	snap, err := rig.store.Load()
	if err != nil {
		t.Fatalf("session load: %v", err)
	}
	for _, task := range snap.Tasks {
		if task.Status != models.TaskVerified {
			t.Errorf("saved task %d status = %s, want VERIFIED", task.ID, task.Status)
		}
	}
}

func TestRunFixLoopRecoversWithinBudget(t *testing.T) {
	var patches atomic.Int32
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner":  func(ollamatest.ChatCall) string { return oneTaskPlan },
		"kiln reviewer": approve,
		"kiln analyzer": diagnosis(""),
		"kiln coder": func(call ollamatest.ChatCall) string {
			if strings.Contains(call.UserContent(), "## Problem") {
				if patches.Add(1) < 2 {
					return `{still broken`
				}
				return `{"ok": true}`
			}
			return `{broken`
		},
	})

	rig := newRig(t, responder)
	res, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "make a config",
		Class:   simpleClass,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	task := res.Tasks[0]
	if task.Status != models.TaskVerified {
		t.Fatalf("status = %s, want VERIFIED", task.Status)
	}
	if task.FailureCount != 2 {
		t.Errorf("failure count = %d, want 2", task.FailureCount)
	}
	want := []models.FixStrategy{models.FixTargetedPatch, models.FixDeepAnalysis}
	if len(task.Strategies) != 2 || task.Strategies[0] != want[0] || task.Strategies[1] != want[1] {
		t.Errorf("strategies = %v, want %v (no strategy repeats back to back)", task.Strategies, want)
	}

	records := rig.mem.FailuresFor("config.json")
	if len(records) != 2 {
		t.Fatalf("failure log has %d records, want 2", len(records))
	}
	if records[0].Outcome == models.OutcomeFixed {
		t.Errorf("first attempt outcome = %s, want a non-fixed grade", records[0].Outcome)
	}
	if records[1].Outcome != models.OutcomeFixed {
		t.Errorf("second attempt outcome = %s, want fixed", records[1].Outcome)
	}
	if records[0].Attempt != 1 || records[1].Attempt != 2 {
		t.Errorf("attempts = %d, %d, want 1, 2", records[0].Attempt, records[1].Attempt)
	}
}

func TestRunWalksTheStrategyLadderToExhaustion(t *testing.T) {
	var escalated models.EscalationRequest
	var mu sync.Mutex
	handler := contracts.EscalationFunc(func(_ context.Context, req models.EscalationRequest) (models.EscalationResponse, error) {
		mu.Lock()
		escalated = req
		mu.Unlock()
		return models.EscalationResponse{Decision: models.EscalationSkip}, nil
	})

	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner":  func(ollamatest.ChatCall) string { return oneTaskPlan },
		"kiln reviewer": approve,
		"kiln analyzer": diagnosis(""),
		"kiln coder":    func(ollamatest.ChatCall) string { return `{never valid` },
	})

	buf := notify.NewBufferSink(0)
	rig := newRig(t, responder, orchestrate.WithEvents(buf), orchestrate.WithEscalation(handler))
	res, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "make a config",
		Class:   simpleClass,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	task := res.Tasks[0]
	if task.Status != models.TaskFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if task.FailureCount != models.MaxTaskFailures {
		t.Errorf("failure count = %d, want %d", task.FailureCount, models.MaxTaskFailures)
	}

	want := []models.FixStrategy{
		models.FixTargetedPatch, models.FixDeepAnalysis, models.FixTargetedPatch,
		models.FixDeepAnalysis, models.FixRegenerate,
		models.FixSimplify, models.FixResearch, models.FixTargetedPatch,
	}
	if len(task.Strategies) != len(want) {
		t.Fatalf("strategies = %v, want %v", task.Strategies, want)
	}
	for i := range want {
		if task.Strategies[i] != want[i] {
			t.Errorf("strategy %d = %s, want %s", i+1, task.Strategies[i], want[i])
		}
	}
	for i := 1; i < len(task.Strategies); i++ {
		if task.Strategies[i] == task.Strategies[i-1] {
			t.Errorf("strategy %d repeats %s back to back", i+1, task.Strategies[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if escalated.FailureCount != models.MaxTaskFailures || escalated.File != "config.json" {
		t.Errorf("escalation request = %+v, want 8 failures on config.json", escalated)
	}

	types := map[string]int{}
	for _, ev := range buf.Events() {
		types[ev.Type]++
	}
	if types["escalation_waiting"] != 1 || types["task_failed"] != 1 || types["build_failed"] != 1 {
		t.Errorf("events = %v, want one escalation_waiting, task_failed, build_failed", types)
	}

	if res.Completed {
		t.Error("Completed = true for a failed build")
	}
}

func TestRunForbidListAdvancesStrategy(t *testing.T) {
	var patches atomic.Int32
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner":  func(ollamatest.ChatCall) string { return oneTaskPlan },
		"kiln reviewer": approve,
		"kiln analyzer": diagnosis(`"targeted_patch"`),
		"kiln coder": func(call ollamatest.ChatCall) string {
			if strings.Contains(call.UserContent(), "## Problem") {
				if patches.Add(1) < 2 {
					return `{nope`
				}
				return `{"ok": true}`
			}
			return `{broken`
		},
	})

	rig := newRig(t, responder)
	res, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "make a config",
		Class:   simpleClass,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	task := res.Tasks[0]
	if task.Status != models.TaskVerified {
		t.Fatalf("status = %s, want VERIFIED", task.Status)
	}
	want := []models.FixStrategy{models.FixTargetedPatch, models.FixDeepAnalysis}
	if len(task.Strategies) != 2 || task.Strategies[0] != want[0] || task.Strategies[1] != want[1] {
		t.Errorf("strategies = %v, want %v (forbid list must advance the ladder)", task.Strategies, want)
	}
}

func TestRunGuidedFixInjectsHintAndResetsCounter(t *testing.T) {
	var guided atomic.Bool
	handler := contracts.EscalationFunc(func(_ context.Context, req models.EscalationRequest) (models.EscalationResponse, error) {
		if guided.CompareAndSwap(false, true) {
			return models.EscalationResponse{
				Decision: models.EscalationGuidedFix,
				Hint:     "use double quotes around keys",
			}, nil
		}
		return models.EscalationResponse{Decision: models.EscalationSkip}, nil
	})

	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner":  func(ollamatest.ChatCall) string { return oneTaskPlan },
		"kiln reviewer": approve,
		"kiln analyzer": diagnosis(""),
		"kiln coder": func(call ollamatest.ChatCall) string {
			if guided.Load() {
				return `{"fixed": "by hint"}`
			}
			return `{never valid`
		},
	})

	rig := newRig(t, responder, orchestrate.WithEscalation(handler))
	res, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "make a config",
		Class:   simpleClass,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	task := res.Tasks[0]
	if task.Status != models.TaskVerified {
		t.Fatalf("status = %s, want VERIFIED after guided fix", task.Status)
	}
	if task.GuidedResets != 1 {
		t.Errorf("guided resets = %d, want 1", task.GuidedResets)
	}
	if task.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1 (counter reset by guided fix)", task.FailureCount)
	}

	// The hint must reach the analyzer prompt of the guided round.
	found := false
	for _, call := range rig.srv.ChatCalls() {
		if strings.Contains(call.SystemContent(), "kiln analyzer") &&
			strings.Contains(call.UserContent(), "use double quotes around keys") {
			found = true
			break
		}
	}
	if !found {
		t.Error("operator hint never appeared in an analyzer prompt")
	}
}

func TestRunSkipsTasksBehindFailedDependency(t *testing.T) {
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner": func(ollamatest.ChatCall) string {
			return `{"architecture_summary": "Chained",
				"file_index": {"config.json": "config", "notes.txt": "notes"},
				"tasks": [
					{"id": 1, "file": "config.json", "description": "config", "depends_on": []},
					{"id": 2, "file": "notes.txt", "description": "notes", "depends_on": [1]}
				]}`
		},
		"kiln reviewer": approve,
		"kiln analyzer": diagnosis(""),
		"kiln coder":    func(ollamatest.ChatCall) string { return `{never valid` },
	})

	buf := notify.NewBufferSink(0)
	rig := newRig(t, responder, orchestrate.WithEvents(buf))
	res, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "chained build",
		Class:   simpleClass,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Failed != 1 || res.Skipped != 1 {
		t.Errorf("failed %d skipped %d, want 1 and 1", res.Failed, res.Skipped)
	}
	if res.Tasks[1].Status != models.TaskSkipped {
		t.Errorf("dependent task status = %s, want SKIPPED", res.Tasks[1].Status)
	}

	skipped := 0
	for _, ev := range buf.Events() {
		if ev.Type == "task_skipped" {
			skipped++
		}
	}
	if skipped != 1 {
		t.Errorf("task_skipped events = %d, want 1", skipped)
	}
}

func TestRunPauseStopsSchedulingAndPreservesWork(t *testing.T) {
	handler := contracts.EscalationFunc(func(context.Context, models.EscalationRequest) (models.EscalationResponse, error) {
		return models.EscalationResponse{Decision: models.EscalationPause}, nil
	})
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner":  func(ollamatest.ChatCall) string { return oneTaskPlan },
		"kiln reviewer": approve,
		"kiln analyzer": diagnosis(""),
		"kiln coder":    func(ollamatest.ChatCall) string { return `{never valid` },
	})

	rig := newRig(t, responder, orchestrate.WithEscalation(handler))
	res, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "make a config",
		Class:   simpleClass,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Paused {
		t.Fatal("Paused = false, want true")
	}

	snap, err := rig.store.Load()
	if err != nil {
		t.Fatalf("session load: %v", err)
	}
	if snap.Tasks[0].Status != models.TaskPending {
		t.Errorf("paused task persisted as %s, want PENDING", snap.Tasks[0].Status)
	}
}

func TestRunInvalidPlanAbortsBeforeAnyTask(t *testing.T) {
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner": func(ollamatest.ChatCall) string {
			return `{"architecture_summary": "dup", "tasks": [
				{"id": 1, "file": "a.py", "description": "a", "depends_on": []},
				{"id": 2, "file": "a.py", "description": "dup", "depends_on": []}]}`
		},
	})

	rig := newRig(t, responder)
	_, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "anything",
		Class:   simpleClass,
	})
	var planErr *models.PlanInvariantError
	if !errors.As(err, &planErr) {
		t.Fatalf("Run error = %v, want *models.PlanInvariantError", err)
	}
	if rig.store.Exists() {
		t.Error("a rejected plan must not write a session snapshot")
	}
	entries, _ := os.ReadDir(rig.root)
	if len(entries) != 0 {
		t.Errorf("workspace has %d entries after aborted plan, want none", len(entries))
	}
}

func TestRunCancellationPersistsPendingTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := contracts.EscalationFunc(func(context.Context, models.EscalationRequest) (models.EscalationResponse, error) {
		cancel()
		return models.EscalationResponse{Decision: models.EscalationRetry}, nil
	})
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner":  func(ollamatest.ChatCall) string { return oneTaskPlan },
		"kiln reviewer": approve,
		"kiln analyzer": diagnosis(""),
		"kiln coder":    func(ollamatest.ChatCall) string { return `{never valid` },
	})

	rig := newRig(t, responder, orchestrate.WithEscalation(handler))
	_, err := rig.orch.Run(ctx, orchestrate.BuildRequest{
		Request: "make a config",
		Class:   simpleClass,
	})
	if !errors.Is(err, models.ErrCancelled) {
		t.Fatalf("Run error = %v, want ErrCancelled", err)
	}

	snap, err := rig.store.Load()
	if err != nil {
		t.Fatalf("session load after cancel: %v", err)
	}
	if snap.Tasks[0].Status != models.TaskPending {
		t.Errorf("cancelled task persisted as %s, want PENDING", snap.Tasks[0].Status)
	}
}

func TestResumeRunsOnlyRemainingTasks(t *testing.T) {
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln coder":    func(ollamatest.ChatCall) string { return `{"resumed": true}` },
		"kiln reviewer": approve,
	})
	rig := newRig(t, responder)

	snap := session.Snapshot{
		RunID:   "run-resume",
		Request: "build a data site",
		Plan: models.Plan{
			ArchitectureSummary: "Static data site",
			FileIndex:           map[string]string{"notes.txt": "notes", "data.json": "payload"},
			Tasks: []models.PlanTask{
				{ID: 1, File: "notes.txt", Description: "notes"},
				{ID: 2, File: "data.json", Description: "payload", DependsOn: []int{1}},
			},
		},
		Tasks: []models.TaskNode{
			{PlanTask: models.PlanTask{ID: 1, File: "notes.txt"}, Status: models.TaskVerified, Wave: 1},
			{PlanTask: models.PlanTask{ID: 2, File: "data.json", DependsOn: []int{1}}, Status: models.TaskPending},
		},
		Memory: memory.State{
			Architecture: "Static data site",
			FileIndex:    map[string]string{"notes.txt": "notes", "data.json": "payload"},
		},
	}

	res, err := rig.orch.Resume(context.Background(), snap, simpleClass)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.RunID != "run-resume" {
		t.Errorf("RunID = %q, want the snapshot's id", res.RunID)
	}
	if res.Verified != 2 || !res.Completed {
		t.Errorf("verified = %d completed = %v, want 2 and true", res.Verified, res.Completed)
	}
	if n := plannerCalls(rig.srv); n != 0 {
		t.Errorf("planner called %d times on resume, want 0", n)
	}
	if res.Tasks[1].Wave <= res.Tasks[0].Wave {
		t.Errorf("resumed task wave = %d, want later than %d", res.Tasks[1].Wave, res.Tasks[0].Wave)
	}
}

func TestResumeAllTerminalMakesNoModelCalls(t *testing.T) {
	responder := roleResponder(nil)
	rig := newRig(t, responder)

	snap := session.Snapshot{
		RunID: "run-done",
		Plan: models.Plan{
			Tasks: []models.PlanTask{{ID: 1, File: "app.py", Description: "entry"}},
		},
		Tasks: []models.TaskNode{
			{PlanTask: models.PlanTask{ID: 1, File: "app.py"}, Status: models.TaskVerified, Wave: 1},
		},
	}

	res, err := rig.orch.Resume(context.Background(), snap, simpleClass)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !res.Completed || res.Verified != 1 {
		t.Errorf("result = %+v, want completed with 1 verified", res)
	}
	if n := len(rig.srv.ChatCalls()); n != 0 {
		t.Errorf("model called %d times for a finished build, want 0", n)
	}
}

func TestReviewLoopPatchesThenProceeds(t *testing.T) {
	var reviews atomic.Int32
	responder := roleResponder(map[string]func(ollamatest.ChatCall) string{
		"kiln planner": func(ollamatest.ChatCall) string { return oneTaskPlan },
		"kiln reviewer": func(ollamatest.ChatCall) string {
			if reviews.Add(1) == 1 {
				return `{"approved": false, "issues": [
					{"severity": "critical", "description": "keys must be quoted"}],
					"summary": "needs a fix"}`
			}
			return `{"approved": true, "issues": [], "summary": "fixed"}`
		},
		"kiln coder": func(call ollamatest.ChatCall) string {
			if strings.Contains(call.UserContent(), "Reviewer found issues") {
				return `{"reviewed": true}`
			}
			return `{"draft": 1}`
		},
	})

	rig := newRig(t, responder)
	res, err := rig.orch.Run(context.Background(), orchestrate.BuildRequest{
		Request: "make a config",
		Class:   simpleClass,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Tasks[0].Status != models.TaskVerified {
		t.Fatalf("status = %s, want VERIFIED", res.Tasks[0].Status)
	}
	if got := reviews.Load(); got != 2 {
		t.Errorf("review rounds = %d, want 2 (reject then approve)", got)
	}
	if res.Tasks[0].LastReview == "" || !strings.Contains(res.Tasks[0].LastReview, "keys must be quoted") {
		t.Errorf("LastReview = %q, want the reviewer feedback", res.Tasks[0].LastReview)
	}

	data, _ := os.ReadFile(filepath.Join(rig.root, "config.json"))
	if string(data) != `{"reviewed": true}` {
		t.Errorf("config.json = %q, want the post-review patch", data)
	}
}
