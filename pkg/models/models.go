package models

import (
	"strings"
	"time"
)

// ── Classification ───────────────────────────────────────────

// Complexity grades how much reasoning a request demands.
type Complexity string

const (
	ComplexitySimple Complexity = "simple"
	ComplexityMedium Complexity = "medium"
	ComplexityHeavy  Complexity = "heavy"
)

// Rank orders complexities for max-fusion and degradation walks.
func (c Complexity) Rank() int {
	switch c {
	case ComplexitySimple:
		return 0
	case ComplexityMedium:
		return 1
	case ComplexityHeavy:
		return 2
	}
	return 1
}

// ProjectSize grades how much context a request spans.
type ProjectSize string

const (
	SizeSmall  ProjectSize = "small"
	SizeMedium ProjectSize = "medium"
	SizeLarge  ProjectSize = "large"
)

func (s ProjectSize) Rank() int {
	switch s {
	case SizeSmall:
		return 0
	case SizeMedium:
		return 1
	case SizeLarge:
		return 2
	}
	return 1
}

// ContextScale is the multiplier applied to a model's default context
// window for this project size.
func (s ProjectSize) ContextScale() float64 {
	switch s {
	case SizeMedium:
		return 1.5
	case SizeLarge:
		return 2.0
	}
	return 1.0
}

// Classification is the fused two-axis routing decision.
type Classification struct {
	Complexity Complexity  `json:"complexity"`
	Size       ProjectSize `json:"size"`

	// Phase breakdown, kept for logs and session metadata.
	KeywordComplexity Complexity  `json:"keyword_complexity,omitempty"`
	ModelComplexity   Complexity  `json:"model_complexity,omitempty"`
	ModelSize         ProjectSize `json:"model_size,omitempty"`
	FileCount         int         `json:"file_count"`
	ClassifierModel   string      `json:"classifier_model,omitempty"` // empty when the model phase was skipped
}

// ── Roles ────────────────────────────────────────────────────

// Role identifies one of the engine's model personas. Each role binds a
// system prompt, a sampling profile, and an output contract.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleCoder    Role = "coder"
	RoleReviewer Role = "reviewer"
	RoleAnalyzer Role = "analyzer"
	RoleAgentic  Role = "agentic"
	RoleChat     Role = "chat"
)

// ── Model Catalog ────────────────────────────────────────────

// ModelCategory groups models by what they are good at. Routing prefers
// same-category substitutes before falling back to general.
type ModelCategory string

const (
	CategoryReasoning ModelCategory = "reasoning"
	CategoryCoding    ModelCategory = "coding"
	CategoryReviewer  ModelCategory = "reviewer"
	CategoryAgentic   ModelCategory = "agentic"
	CategoryGeneral   ModelCategory = "general"
	CategoryEmbedding ModelCategory = "embedding"
)

// ModelSpec describes one known model. Name carries the full tag
// including any quantization suffix; matching against the installed
// list is exact, never prefix-based.
type ModelSpec struct {
	Name                   string        `json:"name"`
	Category               ModelCategory `json:"category"`
	Tier                   Complexity    `json:"tier"`
	Priority               int           `json:"priority"` // higher wins within a category
	SupportsReasoningTrace bool          `json:"supports_reasoning_trace"`
	ContextWindow          int           `json:"context_window"` // base tokens before size scaling
}

// SamplingProfile is a per-category generation temperament.
type SamplingProfile struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// ChatOptions are the resolved per-call generation options sent to the
// model server.
type ChatOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// ChatMessage is one turn of a model conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// PullProgress reports byte-accurate model download progress.
type PullProgress struct {
	Model     string `json:"model"`
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
}

// ── Plans ────────────────────────────────────────────────────

// PlanTask is one unit of work in a generated plan: one file, its
// description, and the ids of tasks whose files it depends on.
type PlanTask struct {
	ID          int    `json:"id"`
	File        string `json:"file"`
	Description string `json:"description"`
	DependsOn   []int  `json:"depends_on,omitempty"`
}

// SpecSlots capture the structured design decisions a plan commits to.
// Slots stay empty for projects where they do not apply.
type SpecSlots struct {
	DatabaseSchema string `json:"database_schema,omitempty"`
	APISurface     string `json:"api_surface,omitempty"`
	AuthFlow       string `json:"auth_flow,omitempty"`
	Deployment     string `json:"deployment,omitempty"`
}

// Plan is the planner's full output for a build.
type Plan struct {
	ArchitectureSummary string            `json:"architecture_summary"`
	TechStack           []string          `json:"tech_stack,omitempty"`
	FileIndex           map[string]string `json:"file_index,omitempty"` // path → purpose
	Slots               *SpecSlots        `json:"spec_slots,omitempty"`
	Tasks               []PlanTask        `json:"tasks"`
}

// ── Task Lifecycle ───────────────────────────────────────────

// TaskStatus is the orchestrator state machine. Terminal states are
// VERIFIED, FAILED, and SKIPPED.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskGenerated  TaskStatus = "GENERATED"
	TaskReviewing  TaskStatus = "REVIEWING"
	TaskReviewed   TaskStatus = "REVIEWED"
	TaskVerified   TaskStatus = "VERIFIED"
	TaskNeedsFix   TaskStatus = "NEEDS_FIX"
	TaskFailed     TaskStatus = "FAILED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskVerified || s == TaskFailed || s == TaskSkipped
}

// MaxTaskFailures is the per-task failure budget before escalation.
const MaxTaskFailures = 8

// GuidedFixResets caps how many times escalation may reset a task's
// failure counter with an operator hint.
const GuidedFixResets = 3

// MaxReviewRounds bounds the review/revise loop per generation.
const MaxReviewRounds = 2

// TaskNode is a plan task plus its runtime state.
type TaskNode struct {
	PlanTask
	Status       TaskStatus    `json:"status"`
	FailureCount int           `json:"failure_count"`
	GuidedResets int           `json:"guided_resets,omitempty"`
	Strategies   []FixStrategy `json:"strategies,omitempty"` // applied fix strategies, in order
	LastError    string        `json:"last_error,omitempty"`
	LastReview   string        `json:"last_review,omitempty"`
	Wave         int           `json:"wave"`
}

// ── Fix Engine ───────────────────────────────────────────────

// FixStrategy names one recovery behavior. The attempt number selects
// the strategy; analyzer diagnoses may forbid specific strategies.
type FixStrategy string

const (
	// FixTargetedPatch asks the coder for a minimal patch against the
	// verifier output (attempts 1-3).
	FixTargetedPatch FixStrategy = "targeted_patch"
	// FixDeepAnalysis runs the analyzer with reverse-dependency context
	// and patches the diagnosed file (attempts 4-5).
	FixDeepAnalysis FixStrategy = "deep_analysis"
	// FixRegenerate rebuilds the file from scratch with the failure log
	// in context (attempt 6).
	FixRegenerate FixStrategy = "regenerate"
	// FixSimplify regenerates with instructions to prefer the simplest
	// implementation that compiles (attempt 7).
	FixSimplify FixStrategy = "simplify"
	// FixResearch consults the research provider before a final
	// regeneration (attempt 8).
	FixResearch FixStrategy = "research"
)

// FailureOutcome grades what a fix attempt achieved.
type FailureOutcome string

const (
	OutcomeFixed     FailureOutcome = "fixed"
	OutcomeUnchanged FailureOutcome = "unchanged"
	OutcomeRegressed FailureOutcome = "regressed"
)

// FailureRecord is one entry in the append-only failure log.
type FailureRecord struct {
	ID           string         `json:"id"`
	TaskID       int            `json:"task_id"`
	File         string         `json:"file"`
	Attempt      int            `json:"attempt"`
	Strategy     FixStrategy    `json:"strategy"`
	ErrorExcerpt string         `json:"error_excerpt"`
	Outcome      FailureOutcome `json:"outcome"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ── Escalation ───────────────────────────────────────────────

// EscalationDecision is the operator's answer when a task exhausts its
// failure budget.
type EscalationDecision string

const (
	EscalationRetry     EscalationDecision = "retry"
	EscalationGuidedFix EscalationDecision = "guided_fix"
	EscalationSkip      EscalationDecision = "skip"
	EscalationPause     EscalationDecision = "pause"
)

// EscalationRequest describes the stuck task presented to the operator.
type EscalationRequest struct {
	RunID        string        `json:"run_id"`
	TaskID       int           `json:"task_id"`
	File         string        `json:"file"`
	FailureCount int           `json:"failure_count"`
	LastError    string        `json:"last_error"`
	Strategies   []FixStrategy `json:"strategies"`
}

// EscalationResponse carries the decision plus the hint for guided fixes.
type EscalationResponse struct {
	Decision EscalationDecision `json:"decision"`
	Hint     string             `json:"hint,omitempty"`
}

// ── Review ───────────────────────────────────────────────────

type ReviewSeverity string

const (
	ReviewCritical ReviewSeverity = "critical"
	ReviewWarning  ReviewSeverity = "warning"
	ReviewInfo     ReviewSeverity = "info"
)

type ReviewIssue struct {
	Severity    ReviewSeverity `json:"severity"`
	Description string         `json:"description"`
	Line        int            `json:"line,omitempty"`
}

// ReviewVerdict is the reviewer role's structured output.
type ReviewVerdict struct {
	Approved bool          `json:"approved"`
	Issues   []ReviewIssue `json:"issues,omitempty"`
	Summary  string        `json:"summary,omitempty"`
}

// CriticalIssues filters the verdict down to blocking problems.
func (v ReviewVerdict) CriticalIssues() []ReviewIssue {
	var out []ReviewIssue
	for _, is := range v.Issues {
		if is.Severity == ReviewCritical {
			out = append(out, is)
		}
	}
	return out
}

// ── Diagnosis ────────────────────────────────────────────────

// Diagnosis is the analyzer role's structured output for a failing task.
type Diagnosis struct {
	RootCause         string        `json:"root_cause"`
	AffectedFile      string        `json:"affected_file,omitempty"`
	AffectedFunction  string        `json:"affected_function,omitempty"`
	FixStrategy       string        `json:"fix_strategy,omitempty"`
	IsDependencyIssue bool          `json:"is_dependency_issue"`
	Severity          string        `json:"severity,omitempty"`
	ForbidStrategies  []FixStrategy `json:"forbid_strategies,omitempty"`
}

// ── Parsed Responses ─────────────────────────────────────────

// FileChange is one file extracted from a model response.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RunCommand is one shell command extracted from a model response.
// Background commands are detached; foreground commands run to
// completion with captured output.
type RunCommand struct {
	Command    string `json:"command"`
	Background bool   `json:"background"`
}

// ParsedResponse is the parser's view of a model response: the files
// and commands it recognized, plus the residual prose for display.
type ParsedResponse struct {
	Files    []FileChange `json:"files,omitempty"`
	Commands []RunCommand `json:"commands,omitempty"`
	Display  string       `json:"display,omitempty"`
}

// ── Verification ─────────────────────────────────────────────

// StructuredError is one diagnostic extracted from verifier output.
// Category is the check family that produced it: syntax, lint, import,
// type, or runtime.
type StructuredError struct {
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

// Check is one named verification step run against a file.
type Check struct {
	Name   string `json:"name"`           // "syntax", "lint", "parse"
	Tool   string `json:"tool,omitempty"` // binary or method used
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

// VerifyResult is the outcome of static verification for one file. Checks
// run in order; the first syntax failure short-circuits the rest.
type VerifyResult struct {
	Path    string            `json:"path"`
	Passed  bool              `json:"passed"`
	Checks  []Check           `json:"checks,omitempty"`
	Errors  []StructuredError `json:"errors,omitempty"`
	Skipped bool              `json:"skipped,omitempty"` // no verifier applies or binary missing
}

// Summary renders the failed checks as a single line for fix context.
func (r VerifyResult) Summary() string {
	var parts []string
	for _, c := range r.Checks {
		if c.Passed {
			continue
		}
		out := strings.TrimSpace(c.Output)
		if len(out) > 200 {
			out = out[:200]
		}
		parts = append(parts, c.Name+": "+out)
	}
	return strings.Join(parts, "; ")
}

// ── Subprocess Runs ──────────────────────────────────────────

// RunResult captures one command execution. Background runs carry only
// the command and pid; their output lands in the runner's log buffer.
type RunResult struct {
	Command    string        `json:"command"`
	ExitCode   int           `json:"exit_code"`
	Output     string        `json:"output,omitempty"` // merged stdout+stderr, bounded
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	PID        int           `json:"pid,omitempty"`
	Background bool          `json:"background,omitempty"`
}

// ── Workspace ────────────────────────────────────────────────

// FileRecord is one entry in the workspace file index.
type FileRecord struct {
	Path     string `json:"path"`
	Purpose  string `json:"purpose,omitempty"`
	Hash     string `json:"hash,omitempty"` // content hash for revisit short-circuits
	Verified bool   `json:"verified,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// WorkspaceScan is the scanner's snapshot of a project directory.
type WorkspaceScan struct {
	Root        string              `json:"root"`
	ProjectType string              `json:"project_type,omitempty"`
	TechStack   []string            `json:"tech_stack,omitempty"`
	Files       []FileRecord        `json:"files,omitempty"`
	DepGraph    map[string][]string `json:"dep_graph,omitempty"` // path → imported paths
}

// FileCount returns how many source files the scan saw.
func (w WorkspaceScan) FileCount() int { return len(w.Files) }

// ── Results ──────────────────────────────────────────────────

// AgenticResult summarizes a single-shot agentic execution.
type AgenticResult struct {
	RunID     string      `json:"run_id"`
	Display   string      `json:"display,omitempty"`
	Files     []string    `json:"files,omitempty"`
	Runs      []RunResult `json:"runs,omitempty"`
	Blocked   []string    `json:"blocked,omitempty"` // commands refused by the safety filter
	Suggested []string    `json:"suggested,omitempty"`
	FixRounds int         `json:"fix_rounds"`
}

// ── Embeddings ───────────────────────────────────────────────

// EmbeddedFile is one workspace file's vector plus the content hash it
// was computed from.
type EmbeddedFile struct {
	Path   string    `json:"path"`
	Hash   string    `json:"hash"`
	Vector []float64 `json:"vector"`
}

// Retrieved is one similarity hit from the embedding index.
type Retrieved struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}
