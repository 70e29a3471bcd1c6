// Package route picks a concrete installed model for every role call.
// Preferences come from the catalog; availability comes from the
// server's installed list. When the preferred model is absent the
// router degrades complexity one tier at a time, then size, then falls
// back within the top choice's category, then to general models.
// Matching is exact on the full model name, so a 14b install never
// masquerades as its 32b sibling.
package route

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/catalog"
	"github.com/kilnworks/kiln/internal/ollama"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

// Selection is a fully resolved model assignment: the name to call,
// its sampling options for the role, and whether reasoning spans need
// stripping.
type Selection struct {
	Role           models.Role
	Model          string
	Spec           models.ModelSpec
	Options        models.ChatOptions
	StripReasoning bool
	Degraded       bool
}

// Router resolves roles to installed models.
type Router struct {
	client  *ollama.Client
	catalog *catalog.Catalog
	consent contracts.PullConsent
	tagsTTL time.Duration

	mu        sync.Mutex
	installed map[string]bool
	fetchedAt time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithConsent replaces the default decline-everything pull consent.
func WithConsent(c contracts.PullConsent) Option {
	return func(r *Router) { r.consent = c }
}

// WithTagsTTL controls how long the installed list is cached between
// probes.
func WithTagsTTL(d time.Duration) Option {
	return func(r *Router) { r.tagsTTL = d }
}

type declineAll struct{}

func (declineAll) Approve(context.Context, string) bool { return false }

// New builds a router over the given client and catalog.
func New(client *ollama.Client, cat *catalog.Catalog, opts ...Option) *Router {
	r := &Router{
		client:  client,
		catalog: cat,
		consent: declineAll{},
		tagsTTL: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks the model for a role at the given classification.
// Returns ErrModelUnavailable only after the full degradation walk and
// both category fallbacks come up empty.
func (r *Router) Resolve(ctx context.Context, role models.Role, class models.Classification) (Selection, error) {
	installed, err := r.installedSet(ctx, false)
	if err != nil {
		return Selection{}, err
	}

	want := r.catalog.Preferences(role, class.Complexity, class.Size)
	var topChoice string
	if len(want) > 0 {
		topChoice = want[0]
	}

	for _, size := range sizesFrom(class.Size) {
		for _, comp := range complexitiesFrom(class.Complexity) {
			for _, name := range r.catalog.Preferences(role, comp, size) {
				if !installed[name] {
					continue
				}
				degraded := name != topChoice
				if degraded {
					log.Info().
						Str("role", string(role)).
						Str("model", name).
						Str("wanted", topChoice).
						Msg("routing degraded to installed model")
				}
				return r.selection(role, name, class, degraded), nil
			}
		}
	}

	if topChoice != "" {
		if spec, ok := r.catalog.Lookup(topChoice); ok {
			if sel, ok := r.categoryPick(role, spec.Category, class, installed); ok {
				return sel, nil
			}
		}
	}
	if sel, ok := r.categoryPick(role, models.CategoryGeneral, class, installed); ok {
		return sel, nil
	}
	return Selection{}, models.ErrModelUnavailable
}

func (r *Router) categoryPick(role models.Role, cat models.ModelCategory, class models.Classification, installed map[string]bool) (Selection, bool) {
	for _, spec := range r.catalog.ByCategory(cat) {
		if installed[spec.Name] {
			log.Warn().
				Str("role", string(role)).
				Str("category", string(cat)).
				Str("model", spec.Name).
				Msg("routing fell back within category")
			return r.selection(role, spec.Name, class, true), true
		}
	}
	return Selection{}, false
}

func (r *Router) selection(role models.Role, name string, class models.Classification, degraded bool) Selection {
	profile := r.catalog.ProfileFor(role)
	spec, _ := r.catalog.Lookup(name)
	return Selection{
		Role:     role,
		Model:    name,
		Spec:     spec,
		Degraded: degraded,
		Options: models.ChatOptions{
			Temperature: profile.Temperature,
			TopP:        profile.TopP,
			NumCtx:      r.catalog.ContextFor(name, class.Size),
		},
		StripReasoning: r.catalog.StripsReasoning(name),
	}
}

// ClassifierModel returns the cheapest installed model for the
// classification call, or ErrModelUnavailable when nothing is
// installed at all.
func (r *Router) ClassifierModel(ctx context.Context) (string, error) {
	installed, err := r.installedSet(ctx, false)
	if err != nil {
		return "", err
	}
	for _, name := range r.catalog.ClassifierPreferences() {
		if installed[name] {
			return name, nil
		}
	}
	names := make([]string, 0, len(installed))
	for name := range installed {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", models.ErrModelUnavailable
	}
	sort.Strings(names)
	return names[0], nil
}

// TopChoices lists each role's first preference at this classification,
// deduplicated, for pull offers before a run starts.
func (r *Router) TopChoices(class models.Classification, roles ...models.Role) []string {
	seen := make(map[string]bool)
	var out []string
	for _, role := range roles {
		prefs := r.catalog.Preferences(role, class.Complexity, class.Size)
		if len(prefs) == 0 || seen[prefs[0]] {
			continue
		}
		seen[prefs[0]] = true
		out = append(out, prefs[0])
	}
	return out
}

// Ensure offers to pull each missing model through the consent
// callback. Declines and failed pulls are non-fatal; routing degrades
// instead. Only cancellation aborts.
func (r *Router) Ensure(ctx context.Context, names []string, onProgress func(models.PullProgress)) error {
	installed, err := r.installedSet(ctx, false)
	if err != nil {
		return err
	}

	pulled := false
	seen := make(map[string]bool)
	for _, name := range names {
		if name == "" || seen[name] || installed[name] {
			continue
		}
		seen[name] = true
		if !r.consent.Approve(ctx, name) {
			log.Info().Str("model", name).Msg("pull declined, routing will degrade")
			continue
		}
		log.Info().Str("model", name).Msg("pulling model")
		if err := r.client.Pull(ctx, name, onProgress); err != nil {
			if errors.Is(err, models.ErrCancelled) {
				return err
			}
			log.Warn().Err(err).Str("model", name).Msg("pull failed, routing will degrade")
			continue
		}
		pulled = true
	}
	if pulled {
		if _, err := r.installedSet(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// Installed returns the cached installed list, probing if stale.
func (r *Router) Installed(ctx context.Context) ([]string, error) {
	set, err := r.installedSet(ctx, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Refresh forces a fresh probe of the installed list.
func (r *Router) Refresh(ctx context.Context) error {
	_, err := r.installedSet(ctx, true)
	return err
}

func (r *Router) installedSet(ctx context.Context, force bool) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && r.installed != nil && time.Since(r.fetchedAt) < r.tagsTTL {
		return r.installed, nil
	}
	names, err := r.client.Tags(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	r.installed = set
	r.fetchedAt = time.Now()
	return set, nil
}

func complexitiesFrom(c models.Complexity) []models.Complexity {
	all := []models.Complexity{models.ComplexityHeavy, models.ComplexityMedium, models.ComplexitySimple}
	out := make([]models.Complexity, 0, 3)
	for _, x := range all {
		if x.Rank() <= c.Rank() {
			out = append(out, x)
		}
	}
	return out
}

func sizesFrom(s models.ProjectSize) []models.ProjectSize {
	all := []models.ProjectSize{models.SizeLarge, models.SizeMedium, models.SizeSmall}
	out := make([]models.ProjectSize, 0, 3)
	for _, x := range all {
		if x.Rank() <= s.Rank() {
			out = append(out, x)
		}
	}
	return out
}
