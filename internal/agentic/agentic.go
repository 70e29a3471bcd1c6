// Package agentic implements the single-shot autonomous path: one model
// call sees the whole project and answers with file blocks and shell
// commands. Files land through the atomic write helper, commands are
// screened and dispatched in order, and when the project fails to run
// afterwards the error output goes back to the model for a bounded
// number of fix rounds.
package agentic

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/guard"
	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/internal/notify"
	"github.com/kilnworks/kiln/internal/parse"
	"github.com/kilnworks/kiln/internal/process"
	"github.com/kilnworks/kiln/internal/roles"
	"github.com/kilnworks/kiln/internal/scan"
	"github.com/kilnworks/kiln/internal/verify"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

const (
	// MaxFixRounds bounds the run, fix, rerun loop after file changes.
	MaxFixRounds = 3

	// errorTailBytes is how much trailing command output a fix prompt
	// carries. The end of the output is where the actual failure lives.
	errorTailBytes = 3000

	// contextFileChars caps each file rendered into the model context.
	contextFileChars = 6000

	// historyChars caps the stored assistant turn.
	historyChars = 3000
)

// interactivePrefixes name foreground commands that block on a terminal
// or run until killed. They are surfaced as suggestions, never
// dispatched; the launcher offers them to the user instead.
var interactivePrefixes = []string{
	"python3 main.py", "python main.py",
	"node index.js", "node app.js", "node server.js",
	"npm start", "yarn start", "cargo run", "go run",
	"ruby ", "php -s",
}

// Executor owns the workspace side of agentic requests: the role engine
// produces text, everything that touches disk or spawns processes
// happens here.
type Executor struct {
	root        string
	roles       *roles.Engines
	mem         *memory.Store
	runner      *process.Runner
	events      contracts.EventSink
	stream      func(token string)
	launch      string
	suggestOnly bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithEvents wires a sink for dispatch and safety events.
func WithEvents(sink contracts.EventSink) Option {
	return func(e *Executor) { e.events = sink }
}

// WithStream receives model tokens as they arrive.
func WithStream(fn func(token string)) Option {
	return func(e *Executor) { e.stream = fn }
}

// WithRunCommand pins the command used to launch the project after
// changes, instead of detecting one from the workspace layout.
func WithRunCommand(command string) Option {
	return func(e *Executor) { e.launch = command }
}

// WithSuggestOnly routes every command to the suggestion list instead
// of the runner. The engine sets this when the user has explicitly
// revoked autonomous access; file writes still happen.
func WithSuggestOnly() Option {
	return func(e *Executor) { e.suggestOnly = true }
}

// New builds an executor rooted at the workspace directory.
func New(root string, eng *roles.Engines, mem *memory.Store, runner *process.Runner, opts ...Option) *Executor {
	e := &Executor{
		root:   root,
		roles:  eng,
		mem:    mem,
		runner: runner,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is one autonomous modification ask.
type Request struct {
	Request string
	Class   models.Classification
}

// Respond runs one agentic turn: call the model, apply its file writes,
// dispatch its commands, then auto-run the project and feed failures
// back for up to MaxFixRounds. Run failures are reported in the result,
// not as an error; the error path is reserved for the model transport
// and cancellation.
func (e *Executor) Respond(ctx context.Context, req Request) (*models.AgenticResult, error) {
	runID := uuid.NewString()
	res := &models.AgenticResult{RunID: runID}

	e.rescan()
	log.Info().
		Str("run_id", runID).
		Str("complexity", string(req.Class.Complexity)).
		Msg("Agentic request started")

	raw, err := e.call(ctx, req.Request, req.Class)
	if err != nil {
		return res, fmt.Errorf("agentic call: %w", err)
	}
	e.mem.AppendHistory(models.RoleAgentic, models.ChatMessage{Role: "user", Content: req.Request})
	e.mem.AppendHistory(models.RoleAgentic, models.ChatMessage{Role: "assistant", Content: clip(raw, historyChars)})

	parsed := parse.Parse(raw)
	res.Display = parsed.Display

	wrote := e.write(parsed.Files, res)
	failed := e.dispatch(ctx, runID, parsed.Commands, res)

	if e.suggestOnly || (wrote == 0 && failed == nil) {
		return res, nil
	}

	if err := e.autoRun(ctx, runID, req.Class, res, failed); err != nil {
		return res, err
	}

	log.Info().
		Str("run_id", runID).
		Int("files", len(res.Files)).
		Int("commands", len(res.Runs)).
		Int("fix_rounds", res.FixRounds).
		Msg("Agentic request finished")
	return res, nil
}

// call runs one agentic-role completion with full project context.
func (e *Executor) call(ctx context.Context, request string, class models.Classification) (string, error) {
	return e.roles.Agentic.Respond(ctx, roles.AgenticRequest{
		Request:        request,
		ProjectSummary: e.mem.ProjectSummary(),
		FileContents:   roles.WorkspaceBlock(e.mem.Files(), contextFileChars),
		Notes:          e.backgroundNotes(),
	}, class, e.stream)
}

// write lands parsed file changes on disk and mirrors them into memory.
func (e *Executor) write(files []models.FileChange, res *models.AgenticResult) int {
	wrote := 0
	for _, f := range files {
		if err := scan.WriteFile(e.root, f.Path, f.Content); err != nil {
			log.Warn().Err(err).Str("path", f.Path).Msg("File write rejected")
			continue
		}
		e.mem.RecordFile(f.Path, f.Content)
		res.Files = append(res.Files, f.Path)
		wrote++
		log.Info().Str("path", f.Path).Int("bytes", len(f.Content)).Msg("File written")
	}
	return wrote
}

// dispatch screens and executes parsed commands in order. The first
// foreground command that exits non-zero stops the remaining foreground
// commands; background commands are unaffected. Returns the failing run
// when one occurred.
func (e *Executor) dispatch(ctx context.Context, runID string, cmds []models.RunCommand, res *models.AgenticResult) *models.RunResult {
	var failed *models.RunResult
	for _, cmd := range cmds {
		if g := guard.Check(cmd.Command); !g.Passed {
			res.Blocked = append(res.Blocked, cmd.Command)
			e.emit(ctx, notify.NewEvent(notify.EventDangerousCommand, runID, 0,
				"blocked: "+cmd.Command, map[string]any{"rule": g.Rule}))
			log.Warn().Err(g.Err()).Msg("Dangerous command blocked")
			continue
		}
		if e.suggestOnly {
			res.Suggested = append(res.Suggested, cmd.Command)
			continue
		}

		if cmd.Background {
			run, err := e.runner.Start(cmd.Command)
			if err != nil {
				log.Warn().Err(err).Str("command", cmd.Command).Msg("Background command failed to start")
				continue
			}
			res.Runs = append(res.Runs, run)
			e.emit(ctx, notify.NewEvent(notify.EventCommandDispatched, runID, 0,
				"started in background: "+cmd.Command, map[string]any{"pid": run.PID}))
			continue
		}

		if failed != nil {
			log.Warn().Str("command", cmd.Command).Msg("Skipped after earlier command failure")
			continue
		}
		if interactive(cmd.Command) {
			res.Suggested = append(res.Suggested, cmd.Command)
			log.Info().Str("command", cmd.Command).Msg("Interactive program left as a suggestion")
			continue
		}

		run := e.runner.Run(ctx, cmd.Command)
		res.Runs = append(res.Runs, run)
		e.emit(ctx, notify.NewEvent(notify.EventCommandDispatched, runID, 0,
			"ran: "+cmd.Command, map[string]any{"exit_code": run.ExitCode}))
		if err := run.Err(); err != nil {
			failed = &run
			log.Warn().Err(err).Msg("Command failed, stopping remaining foreground commands")
		}
	}
	return failed
}

// autoRun launches the project after changes and feeds run failures
// back to the model. A dispatch failure seeds the first fix round
// directly; otherwise the project is launched once to find out.
func (e *Executor) autoRun(ctx context.Context, runID string, class models.Classification, res *models.AgenticResult, failed *models.RunResult) error {
	e.installDeps(ctx)

	command := e.launch
	if command == "" {
		command = verify.DetectRunCommand(e.root)
	}
	if command == "" {
		if failed == nil {
			log.Debug().Msg("No run command detected, skipping auto-run")
			return nil
		}
		command = failed.Command
	}

	var failure models.RunResult
	if failed != nil {
		failure = *failed
	} else {
		log.Info().Str("command", command).Msg("Auto-run")
		failure = e.runner.Run(ctx, command)
		res.Runs = append(res.Runs, failure)
		if failure.ExitCode == 0 {
			log.Info().Msg("Project ran successfully")
			return nil
		}
	}

	for round := 1; round <= MaxFixRounds; round++ {
		if err := ctx.Err(); err != nil {
			return models.ErrCancelled
		}
		res.FixRounds = round
		log.Info().
			Int("round", round).
			Int("exit_code", failure.ExitCode).
			Msg("Auto-fix: feeding runtime error back to the model")

		if err := e.fixRound(ctx, runID, class, res, command, failure); err != nil {
			return err
		}
		e.installDeps(ctx)

		failure = e.runner.Run(ctx, command)
		res.Runs = append(res.Runs, failure)
		if failure.ExitCode == 0 {
			log.Info().Int("rounds", round).Msg("Project ran successfully after fix")
			return nil
		}
	}

	log.Warn().
		Int("rounds", MaxFixRounds).
		Int("exit_code", failure.ExitCode).
		Msg("Could not auto-fix the project")
	return nil
}

// fixRound sends one failure back to the model and applies whatever it
// answers with, files and commands both.
func (e *Executor) fixRound(ctx context.Context, runID string, class models.Classification, res *models.AgenticResult, command string, failure models.RunResult) error {
	e.rescan()
	raw, err := e.call(ctx, fixPrompt(command, e.root, failure.Output), class)
	if err != nil {
		return fmt.Errorf("fix round %d: %w", res.FixRounds, err)
	}

	parsed := parse.Parse(raw)
	wrote := e.write(parsed.Files, res)
	e.dispatch(ctx, runID, parsed.Commands, res)
	if wrote > 0 {
		log.Info().Int("files", wrote).Msg("Fix applied")
	}
	return nil
}

func fixPrompt(command, dir, output string) string {
	return fmt.Sprintf("The project failed to run after your last changes.\n\n"+
		"EXACT error output:\n```\n%s\n```\n\n"+
		"Command: %s\nWorking directory: %s\n\n"+
		"Read the error carefully. Find and fix the broken file(s). "+
		"Output COMPLETE corrected files using ===FILE: path=== ... ===END=== format. "+
		"If dependencies are missing, add ===RUN: npm install xyz=== or similar.\n"+
		"Do NOT give advice. Just fix the code.",
		process.Tail(output, errorTailBytes), command, dir)
}

// installDeps provisions dependency manifests that have not been
// installed yet. Failures are logged and skipped; the run itself will
// say what is actually missing.
func (e *Executor) installDeps(ctx context.Context) {
	for _, cmd := range verify.DetectInstallCommands(e.root) {
		log.Info().Str("command", cmd).Msg("Installing dependencies")
		if run := e.runner.Run(ctx, cmd); run.ExitCode != 0 {
			log.Warn().
				Str("command", cmd).
				Int("exit_code", run.ExitCode).
				Msg("Dependency install failed")
		}
	}
}

// rescan refreshes memory from disk so the model sees files from every
// source, including ones the user edited by hand.
func (e *Executor) rescan() {
	snap, err := scan.Workspace(e.root)
	if err != nil {
		log.Warn().Err(err).Msg("Workspace rescan failed")
		return
	}
	e.mem.SeedScan(snap)
}

// backgroundNotes summarizes tracked background processes for the
// model, so it does not start a second dev server.
func (e *Executor) backgroundNotes() string {
	procs := e.runner.Running()
	if len(procs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Background processes currently running:\n")
	for _, p := range procs {
		fmt.Fprintf(&b, "- [%d] %s (started %s)\n", p.PID, p.Command, p.Started.Format("15:04:05"))
	}
	return b.String()
}

func (e *Executor) emit(ctx context.Context, ev contracts.Event) {
	if e.events != nil {
		e.events.Emit(ctx, ev)
	}
}

func interactive(command string) bool {
	lowered := strings.ToLower(command)
	for _, p := range interactivePrefixes {
		if strings.HasPrefix(lowered, p) {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
