// Package engine assembles kiln's components behind one value. A host
// builds an Engine from configuration and calls its operations; nothing
// here keeps process-global state, so two engines over two workspaces
// can coexist in one process.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilnworks/kiln/internal/agentic"
	"github.com/kilnworks/kiln/internal/catalog"
	"github.com/kilnworks/kiln/internal/classify"
	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/embeddings"
	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/internal/notify"
	"github.com/kilnworks/kiln/internal/ollama"
	"github.com/kilnworks/kiln/internal/orchestrate"
	"github.com/kilnworks/kiln/internal/process"
	"github.com/kilnworks/kiln/internal/research"
	"github.com/kilnworks/kiln/internal/roles"
	"github.com/kilnworks/kiln/internal/route"
	"github.com/kilnworks/kiln/internal/scan"
	"github.com/kilnworks/kiln/internal/session"
	"github.com/kilnworks/kiln/internal/settings"
	"github.com/kilnworks/kiln/internal/vectorindex"
	"github.com/kilnworks/kiln/internal/verify"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

var tracer = otel.Tracer("kiln")

// Engine owns one workspace and every component working on it.
type Engine struct {
	cfg        *config.Config
	root       string
	settings   settings.UserSettings
	setmgr     *settings.Manager
	client     *ollama.Client
	router     *route.Router
	classifier *classify.Classifier
	mem        *memory.Store
	roles      *roles.Engines
	runner     *process.Runner
	orch       *orchestrate.Orchestrator
	exec       *agentic.Executor
	sessions   *session.Store
	hub        *notify.Hub
	webhook    *notify.WebhookSink
	stream     func(role models.Role, token string)
}

type options struct {
	escalate contracts.EscalationHandler
	consent  contracts.PullConsent
	stream   func(role models.Role, token string)
	sinks    []contracts.EventSink
}

// Option customizes engine construction.
type Option func(*options)

// WithEscalation wires the handler consulted when a task exhausts its
// failure budget. Without one, escalations resolve to skip.
func WithEscalation(h contracts.EscalationHandler) Option {
	return func(o *options) { o.escalate = h }
}

// WithPullConsent wires the approval callback for model downloads.
// Without one, every offer is declined and routing degrades.
func WithPullConsent(c contracts.PullConsent) Option {
	return func(o *options) { o.consent = c }
}

// WithTokenStream receives model tokens as they arrive, tagged by role.
func WithTokenStream(fn func(role models.Role, token string)) Option {
	return func(o *options) { o.stream = fn }
}

// WithEventSink subscribes an additional sink beside the log sink.
func WithEventSink(s contracts.EventSink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// New builds an engine rooted at the workspace directory, creating it
// when missing. The model server is not contacted here; the first
// operation that needs it will.
func New(ctx context.Context, workspace string, cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	root, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	setmgr := settings.NewManager(cfg.Engine.DataDir)
	userSettings, err := setmgr.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Settings unreadable, using defaults")
	}

	sinks := append([]contracts.EventSink{notify.LogSink{}}, o.sinks...)
	var webhook *notify.WebhookSink
	if cfg.Events.WebhookURL != "" {
		var whOpts []notify.WebhookOption
		if cfg.Events.WebhookSecret != "" {
			whOpts = append(whOpts, notify.WithSecret(cfg.Events.WebhookSecret))
		}
		webhook = notify.NewWebhookSink(cfg.Events.WebhookURL, whOpts...)
		sinks = append(sinks, webhook)
	}
	hub := notify.NewHub(sinks...)

	client := ollama.New(cfg.Ollama.Host,
		ollama.WithTimeouts(cfg.Ollama.ChatTimeout, cfg.Ollama.PullTimeout))

	var routeOpts []route.Option
	if o.consent != nil {
		routeOpts = append(routeOpts, route.WithConsent(o.consent))
	}
	router := route.New(client, catalog.New(), routeOpts...)

	var memOpts []memory.Option
	if cfg.Embed.Model != "" {
		driver := embeddings.NewOllama(cfg.Ollama.Host, cfg.Embed.Model)
		var index contracts.VectorIndex = vectorindex.NewEmbedded()
		if cfg.Embed.PGVectorURL != "" {
			pg, err := vectorindex.NewPgvector(ctx, cfg.Embed.PGVectorURL, root, driver.Dimensions())
			if err != nil {
				log.Warn().Err(err).Msg("pgvector unavailable, using the in-memory index")
			} else {
				index = pg
			}
		}
		memOpts = append(memOpts, memory.WithEmbeddings(driver, index))
	}
	mem := memory.New(memOpts...)

	engines := roles.New(client, router, mem)
	runner := process.New(root, process.WithTimeout(cfg.Engine.RunTimeout))
	sessions := session.NewStore(root)

	var provider contracts.ResearchProvider = research.Noop{}
	if cfg.Research.URL != "" && userSettings.InternetGranted() {
		var httpOpts []research.HTTPOption
		if cfg.Research.Token != "" {
			httpOpts = append(httpOpts, research.WithToken(cfg.Research.Token))
		}
		provider = research.NewHTTP(cfg.Research.URL, httpOpts...)
	}

	orchOpts := []orchestrate.Option{
		orchestrate.WithFanout(cfg.Engine.Fanout),
		orchestrate.WithEvents(hub),
		orchestrate.WithResearch(provider),
	}
	if userSettings.AutoSaveSessions {
		orchOpts = append(orchOpts, orchestrate.WithSessions(sessions))
	}
	if o.escalate != nil {
		orchOpts = append(orchOpts, orchestrate.WithEscalation(o.escalate))
	}
	if o.stream != nil {
		orchOpts = append(orchOpts, orchestrate.WithStream(o.stream))
	}
	orch := orchestrate.New(root, engines, mem, verify.New(root, runner), orchOpts...)

	agOpts := []agentic.Option{agentic.WithEvents(hub)}
	if o.stream != nil {
		fn := o.stream
		agOpts = append(agOpts, agentic.WithStream(func(token string) {
			fn(models.RoleAgentic, token)
		}))
	}
	if userSettings.AutonomousAccess != nil && !*userSettings.AutonomousAccess {
		agOpts = append(agOpts, agentic.WithSuggestOnly())
	}

	e := &Engine{
		cfg:        cfg,
		root:       root,
		settings:   userSettings,
		setmgr:     setmgr,
		client:     client,
		router:     router,
		classifier: classify.New(client, router),
		mem:        mem,
		roles:      engines,
		runner:     runner,
		orch:       orch,
		exec:       agentic.New(root, engines, mem, runner, agOpts...),
		sessions:   sessions,
		hub:        hub,
		webhook:    webhook,
		stream:     o.stream,
	}
	log.Debug().
		Str("workspace", root).
		Str("ollama", cfg.Ollama.Host).
		Msg("Engine assembled")
	return e, nil
}

// Close stops background processes and drains the event hub. The engine
// is unusable afterwards.
func (e *Engine) Close() {
	e.runner.StopAll()
	e.hub.Close()
	if e.webhook != nil {
		e.webhook.Close()
	}
}

// Workspace returns the absolute workspace root.
func (e *Engine) Workspace() string { return e.root }

// Settings returns the user settings loaded at construction.
func (e *Engine) Settings() settings.UserSettings { return e.settings }

// Roles exposes the model personas for hosts that drive them directly,
// such as an interactive session offering plan refinement.
func (e *Engine) Roles() *roles.Engines { return e.roles }

// Events exposes the hub so hosts can subscribe mid-run.
func (e *Engine) Events() *notify.Hub { return e.hub }

// ── Operations ──────────────────────────────────────────────

// Build plans the request and executes the full task DAG.
func (e *Engine) Build(ctx context.Context, request string) (orchestrate.BuildResult, error) {
	ctx, span := tracer.Start(ctx, "kiln.build", trace.WithAttributes(
		attribute.Int("request.chars", len(request)),
	))
	defer span.End()

	class := e.prepare(ctx, request)
	if err := e.ensureModels(ctx, class,
		models.RolePlanner, models.RoleCoder, models.RoleReviewer, models.RoleAnalyzer); err != nil {
		return orchestrate.BuildResult{}, err
	}

	res, err := e.orch.Run(ctx, orchestrate.BuildRequest{Request: request, Class: class})
	span.SetAttributes(
		attribute.Int("tasks.verified", res.Verified),
		attribute.Int("tasks.failed", res.Failed),
		attribute.Int("tasks.skipped", res.Skipped),
		attribute.Int("waves", res.Waves),
	)
	return res, err
}

// Agentic runs one autonomous modify-run-fix turn against the
// workspace.
func (e *Engine) Agentic(ctx context.Context, request string) (*models.AgenticResult, error) {
	ctx, span := tracer.Start(ctx, "kiln.agentic", trace.WithAttributes(
		attribute.Int("request.chars", len(request)),
	))
	defer span.End()

	class := e.prepare(ctx, request)
	if err := e.ensureModels(ctx, class, models.RoleAgentic); err != nil {
		return nil, err
	}
	res, err := e.exec.Respond(ctx, agentic.Request{Request: request, Class: class})
	if res != nil {
		span.SetAttributes(
			attribute.Int("files", len(res.Files)),
			attribute.Int("fix_rounds", res.FixRounds),
		)
	}
	return res, err
}

// Chat answers one read-only question with project context. Nothing is
// written to the workspace.
func (e *Engine) Chat(ctx context.Context, message string) (string, error) {
	ctx, span := tracer.Start(ctx, "kiln.chat")
	defer span.End()

	class := e.prepare(ctx, message)
	if err := e.ensureModels(ctx, class, models.RoleChat); err != nil {
		return "", err
	}
	var onToken func(string)
	if e.stream != nil {
		fn := e.stream
		onToken = func(token string) { fn(models.RoleChat, token) }
	}
	return e.roles.Chat.Respond(ctx, message, class, onToken)
}

// Resume continues the saved session in this workspace. A missing or
// version-incompatible snapshot is an error; a snapshot whose tasks all
// reached a terminal state returns immediately.
func (e *Engine) Resume(ctx context.Context) (orchestrate.BuildResult, error) {
	snap, err := e.sessions.Load()
	if err != nil {
		if os.IsNotExist(err) {
			return orchestrate.BuildResult{}, fmt.Errorf("no session to resume in %s", e.root)
		}
		return orchestrate.BuildResult{}, fmt.Errorf("load session: %w", err)
	}

	ctx, span := tracer.Start(ctx, "kiln.resume", trace.WithAttributes(
		attribute.String("run_id", snap.RunID),
	))
	defer span.End()

	class := e.classifyOnly(ctx, snap.Request)
	if err := e.ensureModels(ctx, class,
		models.RoleCoder, models.RoleReviewer, models.RoleAnalyzer); err != nil {
		return orchestrate.BuildResult{}, err
	}
	return e.orch.Resume(ctx, snap, class)
}

// Status reports what the engine can see without changing anything.
type Status struct {
	Workspace       string
	Version         string
	SettingsPath    string
	ServerReachable bool
	InstalledModels []string
	Session         SessionStatus
	Background      []process.Background
}

// SessionStatus summarizes the workspace's saved session, if any.
type SessionStatus struct {
	Present   bool
	Resumable bool
	RunID     string
	SavedAt   time.Time
	Tasks     int
	Verified  int
}

// Status inspects the workspace, the session file, and the model
// server. Server unavailability is reported, not returned as an error.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		Workspace:    e.root,
		Version:      e.cfg.Version,
		SettingsPath: e.setmgr.Path(),
		Background:   e.runner.Running(),
	}
	if names, err := e.router.Installed(ctx); err == nil {
		st.ServerReachable = true
		st.InstalledModels = names
	}
	if !e.sessions.Exists() {
		return st
	}
	st.Session.Present = true
	snap, err := e.sessions.Load()
	if err != nil {
		return st
	}
	st.Session.Resumable = true
	st.Session.RunID = snap.RunID
	st.Session.SavedAt = snap.SavedAt
	st.Session.Tasks = len(snap.Tasks)
	for _, task := range snap.Tasks {
		if task.Status == models.TaskVerified {
			st.Session.Verified++
		}
	}
	return st
}

// ── Internals ───────────────────────────────────────────────

// prepare rescans the workspace, seeds memory with what is on disk, and
// classifies the request against it.
func (e *Engine) prepare(ctx context.Context, request string) models.Classification {
	snap, err := scan.Workspace(e.root)
	if err != nil {
		log.Warn().Err(err).Msg("Workspace scan failed")
		return e.classifier.Classify(ctx, request, models.WorkspaceScan{Root: e.root})
	}
	e.mem.SeedScan(snap)
	return e.classifier.Classify(ctx, request, snap.Scan)
}

// classifyOnly classifies without touching memory; resume restores
// memory from the snapshot instead.
func (e *Engine) classifyOnly(ctx context.Context, request string) models.Classification {
	ws := models.WorkspaceScan{Root: e.root}
	if snap, err := scan.Workspace(e.root); err == nil {
		ws = snap.Scan
	}
	return e.classifier.Classify(ctx, request, ws)
}

// ensureModels offers to pull each role's top choice before a run.
// Declined or failed pulls degrade routing instead of failing here;
// only an unreachable server or cancellation aborts.
func (e *Engine) ensureModels(ctx context.Context, class models.Classification, roleSet ...models.Role) error {
	names := e.router.TopChoices(class, roleSet...)
	err := e.router.Ensure(ctx, names, func(p models.PullProgress) {
		e.hub.Emit(ctx, notify.NewEvent(notify.EventPullProgress, "", 0,
			fmt.Sprintf("pulling %s: %s", p.Model, p.Status),
			map[string]any{"model": p.Model, "completed": p.Completed, "total": p.Total}))
	})
	if err != nil {
		return fmt.Errorf("ensure models: %w", err)
	}
	return nil
}
