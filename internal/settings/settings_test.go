package settings_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnworks/kiln/internal/settings"
)

func newManager(t *testing.T) *settings.Manager {
	t.Helper()
	return settings.NewManager(t.TempDir())
}

func TestLoadMissingFile(t *testing.T) {
	m := newManager(t)

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.AutoSaveSessions {
		t.Errorf("AutoSaveSessions = false, want default true")
	}
	if s.DefaultMode != "agent" {
		t.Errorf("DefaultMode = %q, want %q", s.DefaultMode, "agent")
	}
	if s.AutonomousAccess != nil {
		t.Errorf("AutonomousAccess = %v, want unset", *s.AutonomousAccess)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newManager(t)

	granted := true
	denied := false
	in := settings.UserSettings{
		OutputDir:        "/tmp/projects",
		AutoSaveSessions: false,
		AutonomousAccess: &granted,
		InternetAccess:   &denied,
		DefaultMode:      "chat",
	}
	if err := m.Save(in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	out, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if out.OutputDir != in.OutputDir {
		t.Errorf("OutputDir = %q, want %q", out.OutputDir, in.OutputDir)
	}
	if out.AutoSaveSessions {
		t.Errorf("AutoSaveSessions = true, want false")
	}
	if !out.AutonomousGranted() {
		t.Errorf("AutonomousGranted() = false, want true")
	}
	if out.InternetAccess == nil || *out.InternetAccess {
		t.Errorf("InternetAccess = %v, want explicit false", out.InternetAccess)
	}
	if out.DefaultMode != "chat" {
		t.Errorf("DefaultMode = %q, want %q", out.DefaultMode, "chat")
	}
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	dir := t.TempDir()
	m := settings.NewManager(dir)

	raw := `{"output_dir": "/work", "auto_save_sessions": true, "future_feature": {"nested": 1}}`
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.OutputDir != "/work" {
		t.Errorf("OutputDir = %q, want %q", s.OutputDir, "/work")
	}
}

func TestLoadCorruptFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	m := settings.NewManager(dir)

	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.AutoSaveSessions {
		t.Errorf("AutoSaveSessions = false, want default true after corrupt file")
	}
}

func TestUpdate(t *testing.T) {
	m := newManager(t)

	_, err := m.Update(func(s *settings.UserSettings) {
		v := true
		s.InternetAccess = &v
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.InternetGranted() {
		t.Errorf("InternetGranted() = false, want true after update")
	}
}
