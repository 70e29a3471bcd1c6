// Package ollamatest provides a scriptable in-process stand-in for a
// local Ollama server. Tests point the engine at Server.URL and script
// responses per call; the server speaks the same four endpoints the
// engine consumes: /api/chat (streaming), /api/tags, /api/pull, and
// /api/embed.
package ollamatest

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/kilnworks/kiln/pkg/models"
)

// ChatCall is one recorded /api/chat request body.
type ChatCall struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Options  models.ChatOptions   `json:"options"`
	Stream   bool                 `json:"stream"`
}

// UserContent returns the content of the last user message, which is
// what most responders key on.
func (c ChatCall) UserContent() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "user" {
			return c.Messages[i].Content
		}
	}
	return ""
}

// SystemContent returns the system prompt, empty if none.
func (c ChatCall) SystemContent() string {
	for _, m := range c.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// Responder produces the full response text for a chat call. Returning
// an error makes the server answer 500.
type Responder func(call ChatCall) (string, error)

// Server is the fake. Zero-value scripting answers "ok" to everything
// and accepts any model name; WithInstalled switches on strict model
// checks so routing code sees realistic 404s.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	installed  []string
	strict     bool
	script     []string
	respond    Responder
	chunkSize  int
	failChat   int
	stallAfter int
	pullTotal  int64
	embed      func(texts []string) [][]float64

	chatCalls []ChatCall
	pullCalls []string
}

// Option configures the fake server.
type Option func(*Server)

// WithInstalled sets the installed model list and enables strict model
// checking: chat calls for models outside the list answer 404 the way
// a real server does.
func WithInstalled(names ...string) Option {
	return func(s *Server) {
		s.installed = append([]string(nil), names...)
		s.strict = true
	}
}

// WithResponder sets the fallback responder used once the script queue
// is empty.
func WithResponder(fn Responder) Option {
	return func(s *Server) { s.respond = fn }
}

// WithScript queues full response texts that are consumed one per chat
// call, in order.
func WithScript(responses ...string) Option {
	return func(s *Server) { s.script = append(s.script, responses...) }
}

// WithChunkSize controls how many runes each streamed chunk carries.
func WithChunkSize(n int) Option {
	return func(s *Server) { s.chunkSize = n }
}

// WithChatFailures makes the next n chat calls answer 500 before any
// scripted response is served.
func WithChatFailures(n int) Option {
	return func(s *Server) { s.failChat = n }
}

// WithStallAfter holds every chat stream open after n chunks until the
// client goes away, so cancellation paths can be exercised without
// timing games.
func WithStallAfter(n int) Option {
	return func(s *Server) { s.stallAfter = n }
}

// WithPullTotal sets the byte total reported by pull progress lines.
func WithPullTotal(total int64) Option {
	return func(s *Server) { s.pullTotal = total }
}

// WithEmbedder replaces the deterministic default embedding function.
func WithEmbedder(fn func(texts []string) [][]float64) Option {
	return func(s *Server) { s.embed = fn }
}

// New starts the fake server. Callers own Close.
func New(opts ...Option) *Server {
	s := &Server{
		chunkSize: 7,
		pullTotal: 4 << 20,
		embed:     hashVectors,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/api/tags", s.handleTags)
	r.Post("/api/chat", s.handleChat)
	r.Post("/api/pull", s.handlePull)
	r.Post("/api/embed", s.handleEmbed)
	s.Server = httptest.NewServer(r)
	return s
}

// AddModel appends to the installed list mid-test.
func (s *Server) AddModel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed = append(s.installed, name)
	s.strict = true
}

// ChatCalls returns every recorded chat request, oldest first.
func (s *Server) ChatCalls() []ChatCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatCall(nil), s.chatCalls...)
}

// LastChat returns the most recent chat request.
func (s *Server) LastChat() (ChatCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chatCalls) == 0 {
		return ChatCall{}, false
	}
	return s.chatCalls[len(s.chatCalls)-1], true
}

// PullCalls returns the model names pulled, oldest first.
func (s *Server) PullCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pullCalls...)
}

type chatLine struct {
	Message models.ChatMessage `json:"message"`
	Done    bool               `json:"done"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var call ChatCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.chatCalls = append(s.chatCalls, call)
	if s.failChat > 0 {
		s.failChat--
		s.mu.Unlock()
		http.Error(w, "model runner unavailable", http.StatusInternalServerError)
		return
	}
	known := !s.strict || contains(s.installed, call.Model)
	var text string
	var err error
	switch {
	case len(s.script) > 0:
		text, s.script = s.script[0], s.script[1:]
	case s.respond != nil:
		text, err = s.respond(call)
	default:
		text = "ok"
	}
	chunk := s.chunkSize
	stall := s.stallAfter
	s.mu.Unlock()

	if !known {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("model %q not found, try pulling it first", call.Model),
		})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	fl, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for i, piece := range splitRunes(text, chunk) {
		if stall > 0 && i == stall {
			<-r.Context().Done()
			return
		}
		enc.Encode(chatLine{Message: models.ChatMessage{Role: "assistant", Content: piece}})
		if fl != nil {
			fl.Flush()
		}
	}
	if stall > 0 {
		<-r.Context().Done()
		return
	}
	enc.Encode(chatLine{Message: models.ChatMessage{Role: "assistant"}, Done: true})
}

func (s *Server) handleTags(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	names := append([]string(nil), s.installed...)
	s.mu.Unlock()

	type tag struct {
		Name string `json:"name"`
	}
	resp := struct {
		Models []tag `json:"models"`
	}{Models: make([]tag, 0, len(names))}
	for _, n := range names {
		resp.Models = append(resp.Models, tag{Name: n})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := req.Name
	if name == "" {
		name = req.Model
	}

	s.mu.Lock()
	s.pullCalls = append(s.pullCalls, name)
	total := s.pullTotal
	s.installed = append(s.installed, name)
	s.strict = true
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	fl, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	type line struct {
		Status    string `json:"status"`
		Completed int64  `json:"completed,omitempty"`
		Total     int64  `json:"total,omitempty"`
	}
	enc.Encode(line{Status: "pulling manifest"})
	for _, frac := range []int64{4, 2, 1} {
		enc.Encode(line{Status: "downloading", Completed: total / frac, Total: total})
		if fl != nil {
			fl.Flush()
		}
	}
	enc.Encode(line{Status: "success"})
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var texts []string
	if err := json.Unmarshal(req.Input, &texts); err != nil {
		var one string
		if err := json.Unmarshal(req.Input, &one); err != nil {
			http.Error(w, "input must be string or array of strings", http.StatusBadRequest)
			return
		}
		texts = []string{one}
	}

	s.mu.Lock()
	embed := s.embed
	s.mu.Unlock()

	resp := struct {
		Model      string      `json:"model"`
		Embeddings [][]float64 `json:"embeddings"`
	}{Model: req.Model, Embeddings: embed(texts)}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// hashVectors derives stable 8-dim vectors from text bytes so identical
// inputs embed identically across runs.
func hashVectors(texts []string) [][]float64 {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v := make([]float64, 8)
		h := fnv.New64a()
		for j := range v {
			h.Write([]byte(t))
			h.Write([]byte{byte(j)})
			v[j] = float64(h.Sum64()%1000)/999.0 + 0.001
		}
		out[i] = v
	}
	return out
}

func splitRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	if n <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	var out []string
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return append(out, string(runes))
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
