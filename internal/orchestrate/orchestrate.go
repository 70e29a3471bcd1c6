// Package orchestrate drives a build: the planner's task DAG is
// scheduled in topological waves, each ready task runs the
// generate→review→verify pipeline on a bounded worker pool, and
// failing tasks go through the escalating fix engine until they verify,
// exhaust their budget, or the operator intervenes.
//
// Per-node state is only touched by the goroutine running that node's
// pipeline; cross-node reads (the ready-set computation, session
// snapshots) happen at wave boundaries after the pool has drained.
package orchestrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/internal/notify"
	"github.com/kilnworks/kiln/internal/roles"
	"github.com/kilnworks/kiln/internal/scan"
	"github.com/kilnworks/kiln/internal/session"
	"github.com/kilnworks/kiln/internal/verify"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

var tracer = otel.Tracer("kiln")

// DefaultFanout is how many tasks of one wave run concurrently.
const DefaultFanout = 2

// errPaused aborts the wave loop when the operator answers an
// escalation with "pause". It never escapes Run.
var errPaused = errors.New("build paused by operator")

// Orchestrator owns the long-lived collaborators of the build path.
type Orchestrator struct {
	root     string
	fanout   int
	roles    *roles.Engines
	mem      *memory.Store
	verifier *verify.Verifier
	events   contracts.EventSink
	escalate contracts.EscalationHandler
	research contracts.ResearchProvider
	sessions *session.Store
	stream   func(role models.Role, token string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFanout sets the per-wave concurrency limit.
func WithFanout(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.fanout = n
		}
	}
}

// WithEvents wires a sink for lifecycle events.
func WithEvents(sink contracts.EventSink) Option {
	return func(o *Orchestrator) { o.events = sink }
}

// WithEscalation replaces the default skip-everything handler.
func WithEscalation(h contracts.EscalationHandler) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.escalate = h
		}
	}
}

// WithResearch wires the provider consulted by the last fix strategy.
func WithResearch(p contracts.ResearchProvider) Option {
	return func(o *Orchestrator) { o.research = p }
}

// WithSessions enables snapshot autosave after every wave.
func WithSessions(store *session.Store) Option {
	return func(o *Orchestrator) { o.sessions = store }
}

// WithStream receives model tokens as they arrive, tagged by role.
func WithStream(fn func(role models.Role, token string)) Option {
	return func(o *Orchestrator) { o.stream = fn }
}

// New builds an orchestrator rooted at the workspace directory. By
// default escalations resolve to skip, events go nowhere, and sessions
// are not saved.
func New(root string, eng *roles.Engines, mem *memory.Store, v *verify.Verifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		root:     root,
		fanout:   DefaultFanout,
		roles:    eng,
		mem:      mem,
		verifier: v,
		escalate: contracts.EscalationFunc(func(context.Context, models.EscalationRequest) (models.EscalationResponse, error) {
			return models.EscalationResponse{Decision: models.EscalationSkip}, nil
		}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BuildRequest starts one plan-and-build run.
type BuildRequest struct {
	Request string
	Class   models.Classification
}

// BuildResult summarizes a finished or paused run.
type BuildResult struct {
	RunID     string
	Plan      models.Plan
	Tasks     []models.TaskNode
	Verified  int
	Failed    int
	Skipped   int
	Waves     int
	Paused    bool
	Completed bool
}

// run is the mutable state of one build.
type run struct {
	o       *Orchestrator
	id      string
	request string
	class   models.Classification
	plan    models.Plan
	nodes   []*models.TaskNode
	byID    map[int]*models.TaskNode
}

// Run plans the request and executes the resulting DAG to completion.
// A plan that violates its invariants aborts the build before any task
// runs; an existing session file is left untouched in that case.
func (o *Orchestrator) Run(ctx context.Context, req BuildRequest) (BuildResult, error) {
	runID := uuid.NewString()
	log.Info().
		Str("run_id", runID).
		Str("complexity", string(req.Class.Complexity)).
		Str("size", string(req.Class.Size)).
		Msg("Build started")

	plan, err := o.roles.Planner.Plan(ctx, req.Request, req.Class, o.tokenFn(models.RolePlanner))
	if err != nil {
		o.emit(ctx, notify.NewEvent(notify.EventBuildFailed, runID, 0,
			"planning failed: "+err.Error(), nil))
		return BuildResult{RunID: runID}, fmt.Errorf("plan: %w", err)
	}

	r := &run{
		o:       o,
		id:      runID,
		request: req.Request,
		class:   req.Class,
		plan:    plan,
		byID:    make(map[int]*models.TaskNode, len(plan.Tasks)),
	}
	for _, t := range plan.Tasks {
		node := &models.TaskNode{PlanTask: t, Status: models.TaskPending}
		r.nodes = append(r.nodes, node)
		r.byID[t.ID] = node
	}
	return o.execute(ctx, r)
}

// Resume continues a saved run. The snapshot loader has already
// downgraded in-flight tasks to PENDING; memory is rehydrated here and
// the wave loop picks up the remaining work. A snapshot whose tasks are
// all terminal returns immediately without a single model call.
func (o *Orchestrator) Resume(ctx context.Context, snap session.Snapshot, class models.Classification) (BuildResult, error) {
	o.mem.Restore(ctx, snap.Memory)

	r := &run{
		o:       o,
		id:      snap.RunID,
		request: snap.Request,
		class:   class,
		plan:    snap.Plan,
		byID:    make(map[int]*models.TaskNode, len(snap.Tasks)),
	}
	for i := range snap.Tasks {
		node := snap.Tasks[i]
		r.nodes = append(r.nodes, &node)
		r.byID[node.ID] = &node
	}
	log.Info().
		Str("run_id", r.id).
		Int("tasks", len(r.nodes)).
		Int("remaining", len(r.pending())).
		Msg("Build resumed")
	return o.execute(ctx, r)
}

// execute is the wave loop shared by fresh and resumed runs.
func (o *Orchestrator) execute(ctx context.Context, r *run) (BuildResult, error) {
	wave := 0
	for _, n := range r.nodes {
		if n.Wave > wave {
			wave = n.Wave
		}
	}

	for {
		if ctx.Err() != nil {
			return o.halt(ctx, r, wave, models.ErrCancelled)
		}

		ready := r.ready()
		if len(ready) == 0 {
			r.skipDeadlocked(ctx)
			break
		}

		wave++
		spanCtx, span := tracer.Start(ctx, "kiln.wave", trace.WithAttributes(
			attribute.Int("wave", wave),
			attribute.Int("tasks", len(ready)),
		))
		g, waveCtx := errgroup.WithContext(spanCtx)
		g.SetLimit(o.fanout)
		for _, node := range ready {
			node := node
			node.Wave = wave
			g.Go(func() error { return r.pipeline(waveCtx, node) })
		}
		err := g.Wait()
		span.End()

		switch {
		case err == nil:
			if n := o.mem.IndexFiles(ctx); n > 0 {
				log.Debug().Int("files", n).Msg("Re-indexed embeddings after wave")
			}
			r.save(ctx)
			o.emit(ctx, notify.NewEvent(notify.EventWaveCompleted, r.id, 0,
				fmt.Sprintf("wave %d completed (%d tasks)", wave, len(ready)), nil))
		case errors.Is(err, errPaused):
			res := r.summary(wave)
			res.Paused = true
			o.downgradeAndSave(ctx, r)
			log.Info().Str("run_id", r.id).Msg("Build paused")
			return res, nil
		default:
			return o.halt(ctx, r, wave, err)
		}
	}

	res := r.summary(wave)
	r.save(ctx)
	if res.Completed {
		o.emit(ctx, notify.NewEvent(notify.EventBuildCompleted, r.id, 0,
			fmt.Sprintf("build completed: %d/%d tasks verified", res.Verified, len(r.nodes)),
			map[string]any{"waves": wave}))
	} else {
		o.emit(ctx, notify.NewEvent(notify.EventBuildFailed, r.id, 0,
			fmt.Sprintf("build finished with %d failed and %d skipped tasks", res.Failed, res.Skipped),
			map[string]any{"verified": res.Verified}))
	}
	log.Info().
		Str("run_id", r.id).
		Int("verified", res.Verified).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("waves", wave).
		Msg("Build finished")
	return res, nil
}

// halt persists state on cancellation or a fatal wave error and maps
// context cancellation onto the engine's sentinel.
func (o *Orchestrator) halt(ctx context.Context, r *run, wave int, err error) (BuildResult, error) {
	o.downgradeAndSave(ctx, r)
	if errors.Is(err, context.Canceled) {
		err = models.ErrCancelled
	}
	res := r.summary(wave)
	log.Warn().Str("run_id", r.id).Err(err).Msg("Build halted")
	return res, err
}

// downgradeAndSave leaves every non-terminal task PENDING and writes
// the snapshot. Generation is not transactional, so a half-finished
// pipeline restarts from the top on resume.
func (o *Orchestrator) downgradeAndSave(ctx context.Context, r *run) {
	for _, n := range r.nodes {
		if !n.Status.Terminal() {
			n.Status = models.TaskPending
		}
	}
	r.save(context.WithoutCancel(ctx))
}

// ready returns the PENDING tasks whose dependencies are all VERIFIED,
// in plan order.
func (r *run) ready() []*models.TaskNode {
	var out []*models.TaskNode
	for _, n := range r.nodes {
		if n.Status != models.TaskPending {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			d, known := r.byID[dep]
			if !known || d.Status != models.TaskVerified {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, n)
		}
	}
	return out
}

func (r *run) pending() []*models.TaskNode {
	var out []*models.TaskNode
	for _, n := range r.nodes {
		if n.Status == models.TaskPending {
			out = append(out, n)
		}
	}
	return out
}

// skipDeadlocked marks tasks that can never become ready (a dependency
// failed or was itself skipped) as SKIPPED.
func (r *run) skipDeadlocked(ctx context.Context) {
	for _, n := range r.pending() {
		n.Status = models.TaskSkipped
		n.LastError = "unreachable: dependencies never verified"
		r.o.emit(ctx, notify.NewEvent(notify.EventTaskSkipped, r.id, n.ID,
			"skipped "+n.File+": dependencies never verified", nil))
		log.Warn().Int("task", n.ID).Str("file", n.File).Msg("Task skipped, dependencies never verified")
	}
}

// depFiles returns the file paths of a node's dependency tasks.
func (r *run) depFiles(node *models.TaskNode) []string {
	var out []string
	for _, dep := range node.DependsOn {
		if d, ok := r.byID[dep]; ok {
			out = append(out, d.File)
		}
	}
	return out
}

// write lands content on disk through the atomic helper and mirrors it
// into memory.
func (r *run) write(rel, content string) error {
	if err := scan.WriteFile(r.o.root, rel, content); err != nil {
		return err
	}
	r.o.mem.RecordFile(rel, content)
	return nil
}

// save snapshots the run if session autosave is enabled. Save errors
// are logged, never fatal: losing a checkpoint should not kill a build.
func (r *run) save(ctx context.Context) {
	if r.o.sessions == nil {
		return
	}
	tasks := make([]models.TaskNode, len(r.nodes))
	for i, n := range r.nodes {
		tasks[i] = *n
	}
	snap := session.Snapshot{
		RunID:   r.id,
		Request: r.request,
		Plan:    r.plan,
		Tasks:   tasks,
		Memory:  r.o.mem.State(ctx),
	}
	if err := r.o.sessions.Save(snap); err != nil {
		log.Warn().Err(err).Msg("Session autosave failed")
	}
}

func (r *run) summary(waves int) BuildResult {
	res := BuildResult{
		RunID: r.id,
		Plan:  r.plan,
		Waves: waves,
		Tasks: make([]models.TaskNode, len(r.nodes)),
	}
	for i, n := range r.nodes {
		res.Tasks[i] = *n
		switch n.Status {
		case models.TaskVerified:
			res.Verified++
		case models.TaskFailed:
			res.Failed++
		case models.TaskSkipped:
			res.Skipped++
		}
	}
	res.Completed = res.Failed == 0 && res.Skipped == 0 && res.Verified == len(r.nodes)
	return res
}

func (o *Orchestrator) emit(ctx context.Context, ev contracts.Event) {
	if o.events != nil {
		o.events.Emit(ctx, ev)
	}
}

func (o *Orchestrator) tokenFn(role models.Role) func(string) {
	if o.stream == nil {
		return nil
	}
	return func(tok string) { o.stream(role, tok) }
}
