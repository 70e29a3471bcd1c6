package research_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kilnworks/kiln/internal/research"
)

func TestNoopReturnsNothing(t *testing.T) {
	notes, err := research.Noop{}.Research(context.Background(), "TypeError in app.js")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if notes != "" {
		t.Errorf("notes = %q, want empty", notes)
	}
}

func TestHTTPProviderSendsQueryAndToken(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotQuery = req.Query
		json.NewEncoder(w).Encode(map[string]string{"notes": "use parseInt with a radix"})
	}))
	defer srv.Close()

	p := research.NewHTTP(srv.URL, research.WithToken("sekrit"))
	notes, err := p.Research(context.Background(), "NaN from parseInt")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if notes != "use parseInt with a radix" {
		t.Errorf("notes = %q", notes)
	}
	if gotQuery != "NaN from parseInt" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer sekrit" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := research.NewHTTP(srv.URL).Research(context.Background(), "anything")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want HTTP 503 surfaced", err)
	}
}

func TestHTTPProviderCapsNoteLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"notes": strings.Repeat("x", 10000)})
	}))
	defer srv.Close()

	notes, err := research.NewHTTP(srv.URL).Research(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if len(notes) != 8000 {
		t.Errorf("notes length = %d, want capped at 8000", len(notes))
	}
}
