package ollama_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kilnworks/kiln/internal/ollama"
	"github.com/kilnworks/kiln/internal/ollamatest"
	"github.com/kilnworks/kiln/pkg/models"
)

func newClient(srv *ollamatest.Server) *ollama.Client {
	return ollama.New(srv.URL, ollama.WithBackoffUnit(time.Millisecond))
}

func TestChatAccumulatesStream(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithScript("hello from the模型 server"), ollamatest.WithChunkSize(3))
	defer srv.Close()
	c := newClient(srv)

	var tokens []string
	got, err := c.Chat(context.Background(), ollama.ChatRequest{
		Model:    "llama3.2:3b",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
		OnToken:  func(tok string) { tokens = append(tokens, tok) },
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	want := "hello from the模型 server"
	if got != want {
		t.Errorf("Chat() = %q, want %q", got, want)
	}
	if joined := strings.Join(tokens, ""); joined != want {
		t.Errorf("token stream = %q, want %q", joined, want)
	}
}

func TestChatSendsOptions(t *testing.T) {
	srv := ollamatest.New()
	defer srv.Close()
	c := newClient(srv)

	_, err := c.Chat(context.Background(), ollama.ChatRequest{
		Model:    "qwen2.5-coder:7b",
		Messages: []models.ChatMessage{{Role: "user", Content: "write code"}},
		Options:  models.ChatOptions{Temperature: 0.15, TopP: 0.95, NumCtx: 16384},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	call, ok := srv.LastChat()
	if !ok {
		t.Fatal("no chat call recorded")
	}
	if call.Options.Temperature != 0.15 {
		t.Errorf("temperature = %v, want 0.15", call.Options.Temperature)
	}
	if call.Options.NumCtx != 16384 {
		t.Errorf("num_ctx = %d, want 16384", call.Options.NumCtx)
	}
	if !call.Stream {
		t.Error("stream = false, want true")
	}
}

func TestChatStripsReasoningSpans(t *testing.T) {
	text := "<think>weigh the options carefully</think>The answer is 42."
	// Every chunk size must yield the same visible text, including
	// sizes that split the markers themselves.
	for size := 1; size <= len(text); size++ {
		srv := ollamatest.New(ollamatest.WithScript(text), ollamatest.WithChunkSize(size))
		c := newClient(srv)

		got, err := c.Chat(context.Background(), ollama.ChatRequest{
			Model:          "deepseek-r1:8b",
			Messages:       []models.ChatMessage{{Role: "user", Content: "q"}},
			StripReasoning: true,
		})
		srv.Close()
		if err != nil {
			t.Fatalf("chunk size %d: Chat() error = %v", size, err)
		}
		if want := "The answer is 42."; got != want {
			t.Errorf("chunk size %d: Chat() = %q, want %q", size, got, want)
		}
	}
}

func TestChatKeepsUnterminatedReasoning(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithScript("<think>never closed"), ollamatest.WithChunkSize(5))
	defer srv.Close()
	c := newClient(srv)

	got, err := c.Chat(context.Background(), ollama.ChatRequest{
		Model:          "deepseek-r1:8b",
		Messages:       []models.ChatMessage{{Role: "user", Content: "q"}},
		StripReasoning: true,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if want := "<think>never closed"; got != want {
		t.Errorf("Chat() = %q, want %q", got, want)
	}
}

func TestChatKeepsReasoningWhenDisabled(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithScript("<think>visible</think>done"))
	defer srv.Close()
	c := newClient(srv)

	got, err := c.Chat(context.Background(), ollama.ChatRequest{
		Model:    "llama3.2:3b",
		Messages: []models.ChatMessage{{Role: "user", Content: "q"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if want := "<think>visible</think>done"; got != want {
		t.Errorf("Chat() = %q, want %q", got, want)
	}
}

func TestChatModelMissing(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("llama3.2:3b"))
	defer srv.Close()
	c := newClient(srv)

	_, err := c.Chat(context.Background(), ollama.ChatRequest{
		Model:    "qwen2.5-coder:32b",
		Messages: []models.ChatMessage{{Role: "user", Content: "q"}},
	})
	var missing *models.ModelMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("Chat() error = %v, want ModelMissingError", err)
	}
	if missing.Model != "qwen2.5-coder:32b" {
		t.Errorf("missing model = %q, want %q", missing.Model, "qwen2.5-coder:32b")
	}
}

func TestChatRetriesTransportFailures(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithChatFailures(2), ollamatest.WithScript("recovered"))
	defer srv.Close()
	c := newClient(srv)

	got, err := c.Chat(context.Background(), ollama.ChatRequest{
		Model:    "llama3.2:3b",
		Messages: []models.ChatMessage{{Role: "user", Content: "q"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v, want success after retries", err)
	}
	if got != "recovered" {
		t.Errorf("Chat() = %q, want %q", got, "recovered")
	}
	if calls := len(srv.ChatCalls()); calls != 3 {
		t.Errorf("recorded %d chat calls, want 3", calls)
	}
}

func TestChatGivesUpAfterMaxAttempts(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithChatFailures(10))
	defer srv.Close()
	c := newClient(srv)

	_, err := c.Chat(context.Background(), ollama.ChatRequest{
		Model:    "llama3.2:3b",
		Messages: []models.ChatMessage{{Role: "user", Content: "q"}},
	})
	var transport *models.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("Chat() error = %v, want TransportError", err)
	}
	if calls := len(srv.ChatCalls()); calls != 3 {
		t.Errorf("recorded %d chat calls, want 3", calls)
	}
}

func TestChatCancellationDeliversPartialText(t *testing.T) {
	srv := ollamatest.New(
		ollamatest.WithScript("first part never finishes"),
		ollamatest.WithChunkSize(5),
		ollamatest.WithStallAfter(2),
	)
	defer srv.Close()
	c := newClient(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once bool
	got, err := c.Chat(ctx, ollama.ChatRequest{
		Model:    "llama3.2:3b",
		Messages: []models.ChatMessage{{Role: "user", Content: "q"}},
		OnToken: func(string) {
			if !once {
				once = true
				cancel()
			}
		},
	})
	if !errors.Is(err, models.ErrCancelled) {
		t.Fatalf("Chat() error = %v, want ErrCancelled", err)
	}
	if got == "" {
		t.Error("Chat() returned empty text, want the partial stream")
	}
	if !strings.HasPrefix("first part never finishes", got) {
		t.Errorf("partial %q is not a prefix of the scripted response", got)
	}
}

func TestTags(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("llama3.2:3b", "qwen2.5-coder:7b-q4_K_M"))
	defer srv.Close()
	c := newClient(srv)

	got, err := c.Tags(context.Background())
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	want := []string{"llama3.2:3b", "qwen2.5-coder:7b-q4_K_M"}
	if len(got) != len(want) {
		t.Fatalf("Tags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tags()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPullReportsProgressAndInstalls(t *testing.T) {
	srv := ollamatest.New(ollamatest.WithInstalled("llama3.2:3b"), ollamatest.WithPullTotal(4096))
	defer srv.Close()
	c := newClient(srv)

	var progress []models.PullProgress
	err := c.Pull(context.Background(), "qwen2.5-coder:7b", func(p models.PullProgress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(progress) == 0 {
		t.Fatal("no progress reported")
	}
	var sawBytes bool
	for _, p := range progress {
		if p.Total == 4096 && p.Completed > 0 {
			sawBytes = true
		}
	}
	if !sawBytes {
		t.Error("no byte-accurate progress line observed")
	}
	if last := progress[len(progress)-1]; last.Status != "success" {
		t.Errorf("final status = %q, want %q", last.Status, "success")
	}

	names, err := c.Tags(context.Background())
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	var found bool
	for _, n := range names {
		if n == "qwen2.5-coder:7b" {
			found = true
		}
	}
	if !found {
		t.Errorf("pulled model missing from tags: %v", names)
	}
}
