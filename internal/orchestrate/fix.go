package orchestrate

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/notify"
	"github.com/kilnworks/kiln/internal/roles"
	"github.com/kilnworks/kiln/pkg/models"
)

// guidedFixBudget is how many attempts a guided-fix escalation buys.
const guidedFixBudget = 3

// depContextFiles bounds how many neighbor files ride along on a deep
// analysis.
const depContextFiles = 4

// strategyOrder is the escalation ladder. The attempt number picks the
// starting rung; selection then advances past the previously applied
// strategy and anything on the analyzer's forbid list, wrapping around
// the ladder once. A task therefore never runs the same strategy twice
// in a row.
var strategyOrder = [...]models.FixStrategy{
	models.FixTargetedPatch,
	models.FixDeepAnalysis,
	models.FixRegenerate,
	models.FixSimplify,
	models.FixResearch,
}

// strategyFor maps an attempt number to a recovery strategy. The base
// rung leans light early and heavy late: 1-3 targeted patch, 4-5 deep
// analysis, 6 regeneration, 7 simplification, 8 research. An empty
// return means every rung is excluded and the task goes straight to
// escalation.
func strategyFor(attempt int, prev models.FixStrategy, forbid []models.FixStrategy) models.FixStrategy {
	var base int
	switch {
	case attempt <= 3:
		base = 0
	case attempt <= 5:
		base = 1
	case attempt == 6:
		base = 2
	case attempt == 7:
		base = 3
	default:
		base = 4
	}
	for step := 0; step < len(strategyOrder); step++ {
		s := strategyOrder[(base+step)%len(strategyOrder)]
		if s == prev || forbidden(s, forbid) {
			continue
		}
		return s
	}
	return ""
}

func forbidden(s models.FixStrategy, forbid []models.FixStrategy) bool {
	for _, f := range forbid {
		if f == s {
			return true
		}
	}
	return false
}

// lastStrategy returns the most recent strategy applied to the node,
// across guided-fix resets. Empty until the first attempt.
func lastStrategy(node *models.TaskNode) models.FixStrategy {
	if len(node.Strategies) == 0 {
		return ""
	}
	return node.Strategies[len(node.Strategies)-1]
}

// fix drives a failing task through the strategy ladder until the
// verifier passes, the failure budget runs out, or the operator
// decides otherwise. Every attempt appends a FailureRecord; attempts
// never exceed MaxTaskFailures between escalations.
func (r *run) fix(ctx context.Context, node *models.TaskNode, res models.VerifyResult) error {
	o := r.o
	budget := models.MaxTaskFailures
	hint := ""
	var forbid []models.FixStrategy

	for {
		for node.FailureCount < budget {
			if err := ctx.Err(); err != nil {
				return err
			}
			strategy := strategyFor(node.FailureCount+1, lastStrategy(node), forbid)
			if strategy == "" {
				log.Warn().Int("task", node.ID).Msg("All fix strategies forbidden")
				break
			}
			node.FailureCount++
			attempt := node.FailureCount
			node.Status = models.TaskNeedsFix

			errOut := verifyFailure(res)
			log.Info().
				Int("task", node.ID).
				Str("file", node.File).
				Int("attempt", attempt).
				Str("strategy", string(strategy)).
				Msg("Fix attempt")

			diag, err := r.applyStrategy(ctx, node, strategy, errOut, hint)
			if err != nil {
				return fmt.Errorf("fix %s (attempt %d): %w", node.File, attempt, err)
			}
			hint = ""
			node.Strategies = append(node.Strategies, strategy)
			if strategy == models.FixTargetedPatch || strategy == models.FixDeepAnalysis {
				forbid = diag.ForbidStrategies
			}

			res = o.verifier.File(ctx, node.File)
			o.mem.RecordFailure(models.FailureRecord{
				TaskID:       node.ID,
				File:         node.File,
				Attempt:      attempt,
				Strategy:     strategy,
				ErrorExcerpt: errOut,
				Outcome:      gradeOutcome(res, errOut),
			})
			if diag.RootCause != "" {
				node.LastError = diag.RootCause
			} else {
				node.LastError = errOut
			}

			if res.Passed {
				node.Status = models.TaskVerified
				o.emit(ctx, notify.NewEvent(notify.EventTaskVerified, r.id, node.ID,
					fmt.Sprintf("verified %s after %d fix attempt(s)", node.File, attempt), nil))
				log.Info().Int("task", node.ID).Int("attempts", attempt).Msg("Task verified after fixes")
				return nil
			}
		}

		o.emit(ctx, notify.NewEvent(notify.EventEscalationWaiting, r.id, node.ID,
			fmt.Sprintf("%s still failing after %d attempt(s)", node.File, node.FailureCount),
			map[string]any{"last_error": node.LastError}))

		resp, err := o.escalate.Escalate(ctx, models.EscalationRequest{
			RunID:        r.id,
			TaskID:       node.ID,
			File:         node.File,
			FailureCount: node.FailureCount,
			LastError:    node.LastError,
			Strategies:   node.Strategies,
		})
		if err != nil {
			return fmt.Errorf("escalate %s: %w", node.File, err)
		}

		decision := resp.Decision
		if decision == models.EscalationGuidedFix && node.GuidedResets >= models.GuidedFixResets {
			log.Warn().Int("task", node.ID).Msg("Guided-fix resets exhausted, skipping instead")
			decision = models.EscalationSkip
		}

		switch decision {
		case models.EscalationRetry:
			node.FailureCount = 0
			budget = models.MaxTaskFailures
			forbid = nil
			log.Info().Int("task", node.ID).Msg("Operator chose retry, counter reset")
		case models.EscalationGuidedFix:
			node.GuidedResets++
			node.FailureCount = 0
			budget = guidedFixBudget
			hint = resp.Hint
			forbid = nil
			log.Info().Int("task", node.ID).Str("hint", resp.Hint).Msg("Guided fix, counter reset")
		case models.EscalationPause:
			return errPaused
		default:
			node.Status = models.TaskFailed
			o.emit(ctx, notify.NewEvent(notify.EventTaskFailed, r.id, node.ID,
				fmt.Sprintf("%s failed after %d attempt(s)", node.File, node.FailureCount),
				map[string]any{"last_error": node.LastError}))
			log.Warn().Int("task", node.ID).Str("file", node.File).Msg("Task failed")
			return nil
		}
	}
}

// applyStrategy executes one rung of the ladder and returns the
// diagnosis when the strategy involved the analyzer.
func (r *run) applyStrategy(ctx context.Context, node *models.TaskNode, strategy models.FixStrategy, errOut, hint string) (models.Diagnosis, error) {
	o := r.o
	switch strategy {
	case models.FixTargetedPatch:
		diag, err := o.roles.Analyzer.Analyze(ctx, roles.AnalyzeRequest{
			File:        node.File,
			ErrorOutput: errOut,
			Hint:        hint,
			Attempted:   node.Strategies,
		}, r.class)
		if err != nil {
			return diag, err
		}
		return diag, r.patch(ctx, node.File, coalesce(diag.RootCause, errOut), diag.FixStrategy)

	case models.FixDeepAnalysis:
		diag, err := o.roles.Analyzer.Analyze(ctx, roles.AnalyzeRequest{
			File:        node.File,
			ErrorOutput: errOut,
			DepContext:  r.dependencyContext(node.File),
			Hint:        hint,
			Attempted:   node.Strategies,
		}, r.class)
		if err != nil {
			return diag, err
		}
		target := node.File
		if diag.IsDependencyIssue && r.patchable(diag.AffectedFile, node.File) {
			target = diag.AffectedFile
			log.Info().
				Str("file", node.File).
				Str("dependency", target).
				Msg("Analyzer flagged a dependency issue, patching the dependency")
		}
		return diag, r.patch(ctx, target, coalesce(diag.RootCause, errOut), diag.FixStrategy)

	case models.FixRegenerate:
		return models.Diagnosis{}, r.regenerate(ctx, node, roles.RegenerateRequest{
			Task:       node.PlanTask,
			Deps:       r.depFiles(node),
			FailureLog: o.mem.FailureLog(node.File),
		})

	case models.FixSimplify:
		return models.Diagnosis{}, r.regenerate(ctx, node, roles.RegenerateRequest{
			Task:       node.PlanTask,
			Deps:       r.depFiles(node),
			FailureLog: o.mem.FailureLog(node.File),
			Simplify:   true,
		})

	case models.FixResearch:
		return models.Diagnosis{}, r.regenerate(ctx, node, roles.RegenerateRequest{
			Task:       node.PlanTask,
			Deps:       r.depFiles(node),
			FailureLog: o.mem.FailureLog(node.File),
			Research:   r.researchNotes(ctx, node.File, errOut),
		})
	}
	return models.Diagnosis{}, fmt.Errorf("unknown fix strategy %q", strategy)
}

func (r *run) patch(ctx context.Context, file, errText, guidance string) error {
	content, err := r.o.roles.Coder.Patch(ctx, roles.PatchRequest{
		File:     file,
		Error:    errText,
		Guidance: guidance,
	}, r.class, r.o.tokenFn(models.RoleCoder))
	if err != nil {
		return err
	}
	return r.write(file, content)
}

func (r *run) regenerate(ctx context.Context, node *models.TaskNode, req roles.RegenerateRequest) error {
	content, err := r.o.roles.Coder.Regenerate(ctx, req, r.class, r.o.tokenFn(models.RoleCoder))
	if err != nil {
		return err
	}
	return r.write(node.File, content)
}

// patchable reports whether the analyzer-named file is a real, distinct
// workspace file worth patching.
func (r *run) patchable(candidate, self string) bool {
	if candidate == "" || candidate == self {
		return false
	}
	_, ok := r.o.mem.Content(candidate)
	return ok
}

// dependencyContext gathers the files this one imports and the files
// importing it, bounded to keep the analyzer prompt under control.
func (r *run) dependencyContext(file string) string {
	graph := r.o.mem.DepGraph()
	seen := map[string]bool{file: true}
	var paths []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, p := range graph[file] {
		add(p)
	}
	var importers []string
	for p, imports := range graph {
		for _, imp := range imports {
			if imp == file {
				importers = append(importers, p)
				break
			}
		}
	}
	sort.Strings(importers)
	for _, p := range importers {
		add(p)
	}
	if len(paths) == 0 {
		return ""
	}
	if len(paths) > depContextFiles {
		paths = paths[:depContextFiles]
	}
	return r.o.mem.FileContext(paths)
}

// researchNotes consults the external provider about the failure.
// Errors and a missing provider both degrade to no notes.
func (r *run) researchNotes(ctx context.Context, file, errOut string) string {
	if r.o.research == nil {
		return ""
	}
	query := fmt.Sprintf("%s error in %s: %s", languageOf(file), file, firstLine(errOut))
	notes, err := r.o.research.Research(ctx, query)
	if err != nil {
		log.Warn().Err(err).Str("file", file).Msg("Research lookup failed")
		return ""
	}
	return notes
}

func languageOf(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".json":
		return "json"
	case ".html":
		return "html"
	case ".css":
		return "css"
	default:
		return "code"
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// verifyFailure renders a verification result as fix-loop input.
func verifyFailure(res models.VerifyResult) string {
	if s := res.Summary(); s != "" {
		return s
	}
	return "verification failed"
}

// gradeOutcome compares a re-verification against the error that
// triggered the attempt: pass is fixed, the same error is unchanged,
// a different error is regressed.
func gradeOutcome(res models.VerifyResult, prevErr string) models.FailureOutcome {
	switch {
	case res.Passed:
		return models.OutcomeFixed
	case verifyFailure(res) == prevErr:
		return models.OutcomeUnchanged
	default:
		return models.OutcomeRegressed
	}
}

func coalesce(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
