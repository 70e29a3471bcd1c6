package route_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kilnworks/kiln/internal/catalog"
	"github.com/kilnworks/kiln/internal/ollama"
	"github.com/kilnworks/kiln/internal/ollamatest"
	"github.com/kilnworks/kiln/internal/route"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

func newRouter(t *testing.T, srv *ollamatest.Server, opts ...route.Option) *route.Router {
	t.Helper()
	t.Cleanup(srv.Close)
	client := ollama.New(srv.URL, ollama.WithBackoffUnit(time.Millisecond))
	opts = append([]route.Option{route.WithTagsTTL(0)}, opts...)
	return route.New(client, catalog.New(), opts...)
}

func heavyLarge() models.Classification {
	return models.Classification{Complexity: models.ComplexityHeavy, Size: models.SizeLarge}
}

func TestResolveTopChoice(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("deepseek-r1:32b", "qwen2.5-coder:32b"))
	r := newRouter(t, srv)

	sel, err := r.Resolve(context.Background(), models.RolePlanner, heavyLarge())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if sel.Model != "deepseek-r1:32b" {
		t.Errorf("Resolve() model = %q, want %q", sel.Model, "deepseek-r1:32b")
	}
	if sel.Degraded {
		t.Error("Degraded = true for an installed top choice")
	}
	if !sel.StripReasoning {
		t.Error("StripReasoning = false for a reasoning-trace model")
	}
}

func TestResolveDegradesComplexityBeforeSize(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("deepseek-r1:8b"))
	r := newRouter(t, srv)

	sel, err := r.Resolve(context.Background(), models.RolePlanner, heavyLarge())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if sel.Model != "deepseek-r1:8b" {
		t.Errorf("Resolve() model = %q, want degraded %q", sel.Model, "deepseek-r1:8b")
	}
	if !sel.Degraded {
		t.Error("Degraded = false, want true after tier walk")
	}
}

func TestResolveNeverMatchesByPrefix(t *testing.T) {
	// An installed model whose name differs only in parameter size must
	// not satisfy a request for its catalog siblings.
	srv := ollamatest.New(ollamatest.WithInstalled("deepseek-r1:70b"))
	r := newRouter(t, srv)

	_, err := r.Resolve(context.Background(), models.RolePlanner, heavyLarge())
	if !errors.Is(err, models.ErrModelUnavailable) {
		t.Fatalf("Resolve() error = %v, want ErrModelUnavailable", err)
	}
}

func TestResolveCategoryFallback(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("codellama:13b"))
	r := newRouter(t, srv)

	class := models.Classification{Complexity: models.ComplexityHeavy, Size: models.SizeSmall}
	sel, err := r.Resolve(context.Background(), models.RoleCoder, class)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if sel.Model != "codellama:13b" {
		t.Errorf("Resolve() model = %q, want category fallback %q", sel.Model, "codellama:13b")
	}
	if !sel.Degraded {
		t.Error("Degraded = false, want true for category fallback")
	}
}

func TestResolveGeneralFallback(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("llama3.2:3b"))
	r := newRouter(t, srv)

	sel, err := r.Resolve(context.Background(), models.RoleCoder, heavyLarge())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if sel.Model != "llama3.2:3b" {
		t.Errorf("Resolve() model = %q, want general fallback %q", sel.Model, "llama3.2:3b")
	}
}

func TestResolveNothingInstalled(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled())
	r := newRouter(t, srv)

	_, err := r.Resolve(context.Background(), models.RoleCoder, heavyLarge())
	if !errors.Is(err, models.ErrModelUnavailable) {
		t.Fatalf("Resolve() error = %v, want ErrModelUnavailable", err)
	}
}

func TestResolveAppliesRoleSampling(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("qwen2.5-coder:14b"))
	r := newRouter(t, srv)

	class := models.Classification{Complexity: models.ComplexityMedium, Size: models.SizeLarge}
	sel, err := r.Resolve(context.Background(), models.RoleReviewer, class)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if sel.Options.Temperature != 0.3 {
		t.Errorf("reviewer temperature = %v, want 0.3", sel.Options.Temperature)
	}
	if sel.Options.NumCtx != 32768 {
		t.Errorf("num_ctx = %d, want 32768 (16384 scaled ×2 for large)", sel.Options.NumCtx)
	}
}

func TestEnsurePullsWithConsent(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("llama3.2:3b"))
	approve := contracts.PullConsentFunc(func(context.Context, string) bool { return true })
	r := newRouter(t, srv, route.WithConsent(approve))

	var progress int
	err := r.Ensure(context.Background(), []string{"qwen2.5-coder:14b"}, func(models.PullProgress) { progress++ })
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if pulls := srv.PullCalls(); len(pulls) != 1 || pulls[0] != "qwen2.5-coder:14b" {
		t.Errorf("pull calls = %v, want [qwen2.5-coder:14b]", pulls)
	}
	if progress == 0 {
		t.Error("no pull progress delivered")
	}

	sel, err := r.Resolve(context.Background(), models.RoleCoder,
		models.Classification{Complexity: models.ComplexityMedium, Size: models.SizeSmall})
	if err != nil {
		t.Fatalf("Resolve() after pull error = %v", err)
	}
	if sel.Model != "qwen2.5-coder:14b" {
		t.Errorf("Resolve() after pull = %q, want the pulled model", sel.Model)
	}
}

func TestEnsureDeclineIsNonFatal(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("llama3.2:3b"))
	r := newRouter(t, srv)

	if err := r.Ensure(context.Background(), []string{"qwen2.5-coder:14b"}, nil); err != nil {
		t.Fatalf("Ensure() error = %v, want nil on decline", err)
	}
	if pulls := srv.PullCalls(); len(pulls) != 0 {
		t.Errorf("pull calls = %v, want none without consent", pulls)
	}
}

func TestClassifierModelPrefersFastest(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("deepseek-r1:32b", "llama3.2:3b"))
	r := newRouter(t, srv)

	name, err := r.ClassifierModel(context.Background())
	if err != nil {
		t.Fatalf("ClassifierModel() error = %v", err)
	}
	if name != "llama3.2:3b" {
		t.Errorf("ClassifierModel() = %q, want %q", name, "llama3.2:3b")
	}
}

func TestClassifierModelFallsBackToAnyInstalled(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("some-custom-model:latest"))
	r := newRouter(t, srv)

	name, err := r.ClassifierModel(context.Background())
	if err != nil {
		t.Fatalf("ClassifierModel() error = %v", err)
	}
	if name != "some-custom-model:latest" {
		t.Errorf("ClassifierModel() = %q, want the only installed model", name)
	}
}

func TestTopChoicesDeduplicates(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled())
	r := newRouter(t, srv)

	got := r.TopChoices(heavyLarge(), models.RolePlanner, models.RoleAnalyzer, models.RoleCoder)
	want := map[string]bool{"deepseek-r1:32b": true, "qwen2.5-coder:32b": true}
	if len(got) != len(want) {
		t.Fatalf("TopChoices() = %v, want planner/analyzer merged with coder", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected top choice %q", name)
		}
	}
}
