// Package catalog is the engine's model knowledge base: which models
// exist, what they are good at, how hot to sample them per role, and
// which ones each role prefers at a given complexity and size.
//
// The catalog ships with built-in entries for the local models the
// engine is tuned for and stays thread-safe so tests and hosts can
// register their own. Matching is by full name including quantization
// tag; the router never treats a 70b entry as a substitute for a 14b
// one.
package catalog

import (
	"sort"
	"sync"

	"github.com/kilnworks/kiln/pkg/models"
)

// Catalog is a thread-safe model spec registry plus the static routing
// preference data.
type Catalog struct {
	mu         sync.RWMutex
	specs      map[string]models.ModelSpec
	prefs      map[models.Role]map[models.Complexity][]string
	profiles   map[models.Role]models.SamplingProfile
	classifier []string
	embedModel string
}

// New builds a catalog pre-loaded with the built-in model set.
func New() *Catalog {
	c := &Catalog{
		specs:      make(map[string]models.ModelSpec),
		prefs:      defaultPreferences(),
		profiles:   defaultProfiles(),
		classifier: defaultClassifierOrder(),
		embedModel: "nomic-embed-text",
	}
	for _, spec := range builtinSpecs() {
		c.specs[spec.Name] = spec
	}
	return c
}

// Lookup returns the ModelSpec for an exact model name.
func (c *Catalog) Lookup(name string) (models.ModelSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	return spec, ok
}

// Register adds or replaces a model spec.
func (c *Catalog) Register(spec models.ModelSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.Name] = spec
}

// ByCategory returns known specs in a category, highest priority first.
func (c *Catalog) ByCategory(cat models.ModelCategory) []models.ModelSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []models.ModelSpec
	for _, spec := range c.specs {
		if spec.Category == cat {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Preferences returns the ordered model names a role wants at this
// complexity and size. Larger sizes float big-context models to the
// front; the list contents come from the complexity row.
func (c *Catalog) Preferences(role models.Role, complexity models.Complexity, size models.ProjectSize) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byComplexity, ok := c.prefs[role]
	if !ok {
		return nil
	}
	names := append([]string(nil), byComplexity[complexity]...)
	if size == models.SizeLarge {
		sort.SliceStable(names, func(i, j int) bool {
			return c.contextOf(names[i]) > c.contextOf(names[j])
		})
	}
	return names
}

func (c *Catalog) contextOf(name string) int {
	if spec, ok := c.specs[name]; ok {
		return spec.ContextWindow
	}
	return 0
}

// ProfileFor returns the sampling temperament for a role.
func (c *Catalog) ProfileFor(role models.Role) models.SamplingProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[role]; ok {
		return p
	}
	return models.SamplingProfile{Temperature: 0.6, TopP: 0.95}
}

// ContextFor computes the num_ctx for a model at a project size. Models
// the catalog does not know get a conservative default window.
func (c *Catalog) ContextFor(name string, size models.ProjectSize) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	base := 8192
	if spec, ok := c.specs[name]; ok && spec.ContextWindow > 0 {
		base = spec.ContextWindow
	}
	return int(float64(base) * size.ContextScale())
}

// StripsReasoning reports whether output from this model carries
// reasoning spans that must be removed before parsing.
func (c *Catalog) StripsReasoning(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	return ok && spec.SupportsReasoningTrace
}

// ClassifierPreferences is the ordered candidate list for the cheap
// classification call, fastest first.
func (c *Catalog) ClassifierPreferences() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.classifier...)
}

// EmbeddingModel returns the model used for workspace embeddings.
func (c *Catalog) EmbeddingModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.embedModel
}

// SetEmbeddingModel overrides the embedding model, usually from config.
func (c *Catalog) SetEmbeddingModel(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embedModel = name
}

// ── Built-in Data ────────────────────────────────────────────

func builtinSpecs() []models.ModelSpec {
	return []models.ModelSpec{
		// Reasoning
		{Name: "deepseek-r1:32b", Category: models.CategoryReasoning, Tier: models.ComplexityHeavy,
			Priority: 30, SupportsReasoningTrace: true, ContextWindow: 16384},
		{Name: "deepseek-r1:14b", Category: models.CategoryReasoning, Tier: models.ComplexityMedium,
			Priority: 20, SupportsReasoningTrace: true, ContextWindow: 16384},
		{Name: "deepseek-r1:8b", Category: models.CategoryReasoning, Tier: models.ComplexitySimple,
			Priority: 10, SupportsReasoningTrace: true, ContextWindow: 8192},

		// Coding
		{Name: "qwen2.5-coder:32b", Category: models.CategoryCoding, Tier: models.ComplexityHeavy,
			Priority: 30, ContextWindow: 16384},
		{Name: "qwen2.5-coder:14b", Category: models.CategoryCoding, Tier: models.ComplexityMedium,
			Priority: 20, ContextWindow: 16384},
		{Name: "deepseek-coder-v2:16b", Category: models.CategoryCoding, Tier: models.ComplexityMedium,
			Priority: 15, ContextWindow: 16384},
		{Name: "qwen2.5-coder:7b", Category: models.CategoryCoding, Tier: models.ComplexitySimple,
			Priority: 10, ContextWindow: 8192},
		{Name: "codellama:13b", Category: models.CategoryCoding, Tier: models.ComplexityMedium,
			Priority: 5, ContextWindow: 8192},

		// General
		{Name: "qwen2.5:14b", Category: models.CategoryGeneral, Tier: models.ComplexityMedium,
			Priority: 15, ContextWindow: 16384},
		{Name: "llama3.1:8b", Category: models.CategoryGeneral, Tier: models.ComplexityMedium,
			Priority: 20, ContextWindow: 8192},
		{Name: "llama3.2:3b", Category: models.CategoryGeneral, Tier: models.ComplexitySimple,
			Priority: 10, ContextWindow: 4096},

		// Embeddings
		{Name: "nomic-embed-text", Category: models.CategoryEmbedding, Tier: models.ComplexitySimple,
			Priority: 10, ContextWindow: 2048},
	}
}

func defaultProfiles() map[models.Role]models.SamplingProfile {
	return map[models.Role]models.SamplingProfile{
		models.RolePlanner:  {Temperature: 0.4, TopP: 0.9},
		models.RoleAnalyzer: {Temperature: 0.4, TopP: 0.9},
		models.RoleCoder:    {Temperature: 0.15, TopP: 0.95},
		models.RoleReviewer: {Temperature: 0.3, TopP: 0.95},
		models.RoleAgentic:  {Temperature: 0.6, TopP: 0.95},
		models.RoleChat:     {Temperature: 0.6, TopP: 0.95},
	}
}

func defaultPreferences() map[models.Role]map[models.Complexity][]string {
	return map[models.Role]map[models.Complexity][]string{
		models.RolePlanner: {
			models.ComplexityHeavy:  {"deepseek-r1:32b", "deepseek-r1:14b"},
			models.ComplexityMedium: {"deepseek-r1:14b", "deepseek-r1:8b"},
			models.ComplexitySimple: {"deepseek-r1:8b", "llama3.1:8b"},
		},
		models.RoleAnalyzer: {
			models.ComplexityHeavy:  {"deepseek-r1:32b", "deepseek-r1:14b"},
			models.ComplexityMedium: {"deepseek-r1:14b", "deepseek-r1:8b"},
			models.ComplexitySimple: {"deepseek-r1:8b", "llama3.1:8b"},
		},
		models.RoleCoder: {
			models.ComplexityHeavy:  {"qwen2.5-coder:32b", "qwen2.5-coder:14b"},
			models.ComplexityMedium: {"qwen2.5-coder:14b", "deepseek-coder-v2:16b", "qwen2.5-coder:7b"},
			models.ComplexitySimple: {"qwen2.5-coder:7b", "codellama:13b"},
		},
		models.RoleReviewer: {
			models.ComplexityHeavy:  {"qwen2.5-coder:32b", "deepseek-r1:14b"},
			models.ComplexityMedium: {"qwen2.5-coder:14b", "llama3.1:8b"},
			models.ComplexitySimple: {"qwen2.5-coder:7b", "llama3.2:3b"},
		},
		models.RoleAgentic: {
			models.ComplexityHeavy:  {"qwen2.5-coder:32b", "qwen2.5:14b"},
			models.ComplexityMedium: {"qwen2.5-coder:14b", "qwen2.5:14b"},
			models.ComplexitySimple: {"qwen2.5-coder:7b", "llama3.2:3b"},
		},
		models.RoleChat: {
			models.ComplexityHeavy:  {"qwen2.5:14b", "llama3.1:8b"},
			models.ComplexityMedium: {"llama3.1:8b", "qwen2.5:14b"},
			models.ComplexitySimple: {"llama3.2:3b", "llama3.1:8b"},
		},
	}
}

func defaultClassifierOrder() []string {
	return []string{"llama3.2:3b", "llama3.1:8b", "qwen2.5:14b", "deepseek-r1:8b"}
}
