// Package memory is the engine's structured working memory for one run.
//
// Instead of dumping the whole workspace into every prompt, memory keeps
// layered knowledge and slices it per role: the coder sees architecture,
// spec slots, dependency files, and retrieval hits; the reviewer sees the
// file under review plus architecture; the analyzer sees verifier output
// plus the failure log. No role ever receives another role's conversation.
//
// Layers: architecture summary, file index (path to purpose), dependency
// graph, append-only failure log, bounded per-role histories, and an
// optional embedding index for semantic retrieval.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/scan"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

const (
	// MaxHistoryMessages bounds each role's conversation; oldest turns
	// are trimmed first.
	MaxHistoryMessages = 20

	// MaxFileReadChars caps how much of one file enters a prompt slice.
	MaxFileReadChars = 12000

	// embedHeadBytes is how much file content goes into the embedding text.
	embedHeadBytes = 1500

	// failureTail is how many failure entries a prompt slice shows.
	failureTail = 5

	// maxFailureExcerpt caps a stored failure's error text.
	maxFailureExcerpt = 500
)

// Store holds all memory layers behind one writer lock. Reads return
// copies, never internal maps.
type Store struct {
	mu sync.RWMutex

	architecture string
	techStack    []string
	slots        models.SpecSlots
	fileIndex    map[string]string
	contents     map[string]string
	depGraph     map[string][]string
	graphStale   bool

	failures  []models.FailureRecord
	histories map[models.Role][]models.ChatMessage

	driver contracts.EmbeddingDriver
	index  contracts.VectorIndex
	hashes map[string]string // path -> content hash last embedded
}

// Option configures a Store.
type Option func(*Store)

// WithEmbeddings enables the retrieval layer. Without it every retrieval
// returns empty results and nothing else changes.
func WithEmbeddings(driver contracts.EmbeddingDriver, index contracts.VectorIndex) Option {
	return func(s *Store) {
		s.driver = driver
		s.index = index
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		fileIndex: make(map[string]string),
		contents:  make(map[string]string),
		depGraph:  make(map[string][]string),
		histories: make(map[models.Role][]models.ChatMessage),
		hashes:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Seeding and writes ─────────────────────────────

// SeedScan loads a workspace snapshot: file purposes, contents, the
// dependency graph, and a scan-derived architecture summary that a later
// plan may overwrite.
func (s *Store) SeedScan(snap *scan.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range snap.Scan.Files {
		if f.Purpose != "" {
			s.fileIndex[f.Path] = f.Purpose
		}
	}
	for path, content := range snap.Contents {
		s.contents[path] = content
	}
	if len(snap.Scan.DepGraph) > 0 {
		s.depGraph = copyGraph(snap.Scan.DepGraph)
		s.graphStale = false
	}
	if s.architecture == "" {
		s.architecture = scan.ArchitectureSummary(snap.Scan)
	}
	if len(s.techStack) == 0 {
		s.techStack = append([]string(nil), snap.Scan.TechStack...)
	}
}

// ApplyPlan installs the planner's view: its architecture summary, tech
// stack, spec slots, and file purposes.
func (s *Store) ApplyPlan(plan models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan.ArchitectureSummary != "" {
		s.architecture = plan.ArchitectureSummary
	}
	if len(plan.TechStack) > 0 {
		s.techStack = append([]string(nil), plan.TechStack...)
	}
	if plan.Slots != nil {
		s.slots = *plan.Slots
	}
	for path, purpose := range plan.FileIndex {
		s.fileIndex[path] = purpose
	}
	for _, t := range plan.Tasks {
		if _, known := s.fileIndex[t.File]; !known {
			s.fileIndex[t.File] = t.Description
		}
	}
}

// RecordFile stores a generated file's content. Safe to call from
// parallel workers; the dependency graph is rebuilt lazily on next read.
func (s *Store) RecordFile(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[path] = content
	s.graphStale = true
}

// SetPurpose records or updates one file's one-line purpose.
func (s *Store) SetPurpose(path, purpose string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileIndex[path] = purpose
}

// RecordFailure appends to the failure log. The log is append-only for
// the life of the session; the excerpt is capped.
func (s *Store) RecordFailure(rec models.FailureRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if len(rec.ErrorExcerpt) > maxFailureExcerpt {
		rec.ErrorExcerpt = rec.ErrorExcerpt[:maxFailureExcerpt]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, rec)
}

// ── Reads ─────────────────────────────

// Architecture returns the current architecture summary.
func (s *Store) Architecture() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.architecture
}

// TechStack returns a copy of the stack tokens.
func (s *Store) TechStack() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.techStack...)
}

// Slots returns the plan's structured design decisions.
func (s *Store) Slots() models.SpecSlots {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots
}

// FileIndex returns a copy of the path-to-purpose map.
func (s *Store) FileIndex() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.fileIndex))
	for k, v := range s.fileIndex {
		out[k] = v
	}
	return out
}

// Content returns one file's recorded content.
func (s *Store) Content(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contents[path]
	return c, ok
}

// Files returns a copy of all recorded contents.
func (s *Store) Files() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.contents))
	for k, v := range s.contents {
		out[k] = v
	}
	return out
}

// DepGraph returns the dependency graph, rebuilding it if files changed
// since the last read.
func (s *Store) DepGraph() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graphStale {
		s.depGraph = scan.DependencyGraph(s.contents)
		s.graphStale = false
	}
	return copyGraph(s.depGraph)
}

// Dependencies returns the paths one file imports.
func (s *Store) Dependencies(path string) []string {
	return s.DepGraph()[path]
}

// ── Prompt formatting ─────────────────────────────

// FileContext renders specific files for prompt injection, each capped
// at MaxFileReadChars. Sliced, never the whole workspace.
func (s *Store) FileContext(paths []string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var parts []string
	for _, p := range paths {
		content := s.contents[p]
		if content == "" {
			continue
		}
		if len(content) > MaxFileReadChars {
			content = content[:MaxFileReadChars]
		}
		parts = append(parts, fmt.Sprintf("### %s\n```\n%s\n```", p, content))
	}
	if len(parts) == 0 {
		return "(no existing files)"
	}
	return strings.Join(parts, "\n\n")
}

// FailureLog formats the last few failures for prompts, optionally
// filtered to one file. Each line is the file plus a clipped error.
func (s *Store) FailureLog(file string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.FailureRecord
	for _, rec := range s.failures {
		if file == "" || rec.File == file {
			matched = append(matched, rec)
		}
	}
	if len(matched) == 0 {
		return "(no previous failures)"
	}
	if len(matched) > failureTail {
		matched = matched[len(matched)-failureTail:]
	}
	lines := make([]string, len(matched))
	for i, rec := range matched {
		excerpt := rec.ErrorExcerpt
		if len(excerpt) > 100 {
			excerpt = excerpt[:100]
		}
		lines[i] = fmt.Sprintf("- [%s] %s", rec.File, excerpt)
	}
	return strings.Join(lines, "\n")
}

// FailuresFor returns the full failure records for one file.
func (s *Store) FailuresFor(file string) []models.FailureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FailureRecord
	for _, rec := range s.failures {
		if rec.File == file {
			out = append(out, rec)
		}
	}
	return out
}

// FormatSlots renders a plan's SpecSlots as prompt sections.
func (s *Store) FormatSlots() string {
	s.mu.RLock()
	slots := s.slots
	s.mu.RUnlock()

	var parts []string
	if slots.DatabaseSchema != "" {
		parts = append(parts, "### Database Schema\n"+slots.DatabaseSchema)
	}
	if slots.APISurface != "" {
		parts = append(parts, "### API Surface\n"+slots.APISurface)
	}
	if slots.AuthFlow != "" && slots.AuthFlow != "none" {
		parts = append(parts, "### Auth Flow\n"+slots.AuthFlow)
	}
	if slots.Deployment != "" {
		parts = append(parts, "### Deployment\n"+slots.Deployment)
	}
	if len(parts) == 0 {
		return "(simple project, no formal spec)"
	}
	return strings.Join(parts, "\n\n")
}

// ProjectSummary renders the project for chat context: architecture,
// stack, and the file index.
func (s *Store) ProjectSummary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := []string{
		"Architecture: " + orNA(s.architecture),
		"Tech stack: " + orNA(strings.Join(s.techStack, ", ")),
		"",
		"Files:",
	}
	paths := make([]string, 0, len(s.fileIndex))
	for p := range s.fileIndex {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		parts = append(parts, fmt.Sprintf("  - %s: %s", p, s.fileIndex[p]))
	}
	return strings.Join(parts, "\n")
}

// ── Role histories ─────────────────────────────

// AppendHistory adds one turn to a role's conversation, trimming
// oldest-first past the bound.
func (s *Store) AppendHistory(role models.Role, msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.histories[role], msg)
	if len(h) > MaxHistoryMessages {
		h = h[len(h)-MaxHistoryMessages:]
	}
	s.histories[role] = h
}

// History returns a copy of one role's conversation.
func (s *Store) History(role models.Role) []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ChatMessage(nil), s.histories[role]...)
}

// ResetHistory clears one role's conversation.
func (s *Store) ResetHistory(role models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, role)
}

// ── Retrieval layer ─────────────────────────────

func (s *Store) retrievalReady() bool {
	return s.driver != nil && s.index != nil && s.driver.Dimensions() > 0
}

// IndexFiles embeds every recorded file whose content changed since the
// last pass. Embedding failures stop the pass quietly; retrieval simply
// stays sparse.
func (s *Store) IndexFiles(ctx context.Context) int {
	if !s.retrievalReady() {
		return 0
	}
	files := s.Files()
	purposes := s.FileIndex()

	indexed := 0
	for _, path := range sortedKeys(files) {
		content := files[path]
		if strings.TrimSpace(content) == "" {
			continue
		}
		hash := scan.ContentHash(content)

		s.mu.RLock()
		prev := s.hashes[path]
		s.mu.RUnlock()
		if prev == hash {
			continue
		}

		head := content
		if len(head) > embedHeadBytes {
			head = head[:embedHeadBytes]
		}
		text := fmt.Sprintf("File: %s\nPurpose: %s\n\n%s", path, purposes[path], head)

		vecs, err := s.driver.Embed(ctx, []string{text})
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Embedding failed, stopping index pass")
			return indexed
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			continue
		}
		if err := s.index.Upsert(ctx, models.EmbeddedFile{Path: path, Hash: hash, Vector: vecs[0]}); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Vector upsert failed")
			continue
		}
		s.mu.Lock()
		s.hashes[path] = hash
		s.mu.Unlock()
		indexed++
	}
	return indexed
}

// Related returns the top-k semantically related file paths for a query.
func (s *Store) Related(ctx context.Context, query string, k int) []models.Retrieved {
	if !s.retrievalReady() || strings.TrimSpace(query) == "" {
		return nil
	}
	vecs, err := s.driver.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil
	}
	hits, err := s.index.Search(ctx, vecs[0], k)
	if err != nil {
		log.Debug().Err(err).Msg("Vector search failed")
		return nil
	}
	return hits
}

// RelatedContext retrieves and formats the most relevant file contents
// for a query, bounded by maxChars in total.
func (s *Store) RelatedContext(ctx context.Context, query string, k, maxChars int) string {
	hits := s.Related(ctx, query, k)
	if len(hits) == 0 {
		return ""
	}

	var parts []string
	total := 0
	for _, hit := range hits {
		content, ok := s.Content(hit.Path)
		if !ok || content == "" {
			continue
		}
		remaining := maxChars - total
		if remaining <= 0 {
			break
		}
		if len(content) > remaining {
			content = content[:remaining]
		}
		parts = append(parts, fmt.Sprintf("### %s\n```\n%s\n```", hit.Path, content))
		total += len(content)
	}
	return strings.Join(parts, "\n\n")
}

// ── Role slices ─────────────────────────────

// CoderSlice is everything the coder may see for one task.
type CoderSlice struct {
	Architecture string
	Slots        string
	DepContext   string
	Related      string
}

// SliceForCoder assembles the coder's context: architecture, spec slots,
// the files this one depends on, and semantic retrieval hits.
func (s *Store) SliceForCoder(ctx context.Context, taskDescription string, deps []string, topK, maxRelatedChars int) CoderSlice {
	return CoderSlice{
		Architecture: s.Architecture(),
		Slots:        s.FormatSlots(),
		DepContext:   s.FileContext(deps),
		Related:      s.RelatedContext(ctx, taskDescription, topK, maxRelatedChars),
	}
}

// ReviewerSlice is the reviewer's context beyond the file under review.
type ReviewerSlice struct {
	Architecture string
	DepContext   string
}

// SliceForReviewer assembles the reviewer's context: architecture plus at
// most three dependency files.
func (s *Store) SliceForReviewer(deps []string) ReviewerSlice {
	if len(deps) > 3 {
		deps = deps[:3]
	}
	return ReviewerSlice{
		Architecture: s.Architecture(),
		DepContext:   s.FileContext(deps),
	}
}

// AnalyzerSlice is the analyzer's context beyond the verifier output.
type AnalyzerSlice struct {
	Architecture string
	FailureLog   string
}

// SliceForAnalyzer assembles the analyzer's context: architecture plus
// this file's failure history.
func (s *Store) SliceForAnalyzer(file string) AnalyzerSlice {
	return AnalyzerSlice{
		Architecture: s.Architecture(),
		FailureLog:   s.FailureLog(file),
	}
}

// SliceForPlanner returns the failure log the planner sees when refining.
func (s *Store) SliceForPlanner() string {
	return s.FailureLog("")
}

// ── Session persistence ─────────────────────────────

// State is the serializable portion of memory.
type State struct {
	Architecture string                               `json:"architecture,omitempty"`
	TechStack    []string                             `json:"tech_stack,omitempty"`
	Slots        models.SpecSlots                     `json:"spec_slots,omitempty"`
	FileIndex    map[string]string                    `json:"file_index,omitempty"`
	Failures     []models.FailureRecord               `json:"failures,omitempty"`
	Histories    map[models.Role][]models.ChatMessage `json:"histories,omitempty"`
	Hashes       map[string]string                    `json:"hashes,omitempty"`
	Embeddings   []models.EmbeddedFile                `json:"embeddings,omitempty"`
}

// State captures memory for a session snapshot. File contents are not
// included; they live on disk and are re-scanned on resume.
func (s *Store) State(ctx context.Context) State {
	s.mu.RLock()
	st := State{
		Architecture: s.architecture,
		TechStack:    append([]string(nil), s.techStack...),
		Slots:        s.slots,
		FileIndex:    make(map[string]string, len(s.fileIndex)),
		Failures:     append([]models.FailureRecord(nil), s.failures...),
		Histories:    make(map[models.Role][]models.ChatMessage, len(s.histories)),
		Hashes:       make(map[string]string, len(s.hashes)),
	}
	for k, v := range s.fileIndex {
		st.FileIndex[k] = v
	}
	for role, h := range s.histories {
		st.Histories[role] = append([]models.ChatMessage(nil), h...)
	}
	for k, v := range s.hashes {
		st.Hashes[k] = v
	}
	s.mu.RUnlock()

	if s.index != nil {
		if embeds, err := s.index.All(ctx); err == nil {
			st.Embeddings = embeds
		}
	}
	return st
}

// Restore rehydrates memory from a session snapshot.
func (s *Store) Restore(ctx context.Context, st State) {
	s.mu.Lock()
	s.architecture = st.Architecture
	s.techStack = append([]string(nil), st.TechStack...)
	s.slots = st.Slots
	for k, v := range st.FileIndex {
		s.fileIndex[k] = v
	}
	s.failures = append([]models.FailureRecord(nil), st.Failures...)
	for role, h := range st.Histories {
		s.histories[role] = append([]models.ChatMessage(nil), h...)
	}
	for k, v := range st.Hashes {
		s.hashes[k] = v
	}
	s.mu.Unlock()

	if s.index != nil {
		for _, f := range st.Embeddings {
			if err := s.index.Upsert(ctx, f); err != nil {
				log.Debug().Err(err).Str("path", f.Path).Msg("Embedding restore failed")
				return
			}
		}
	}
}

// ── Helpers ─────────────────────────────

func copyGraph(g map[string][]string) map[string][]string {
	out := make(map[string][]string, len(g))
	for k, v := range g {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
