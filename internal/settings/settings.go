// Package settings persists user-level preferences shared by every kiln
// invocation on a machine. Unknown fields in the file are preserved-by-
// ignore so older binaries can read files written by newer ones.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// UserSettings are the on-disk preferences. AutonomousAccess and
// InternetAccess are tri-state: nil means the user was never asked.
type UserSettings struct {
	OutputDir        string `json:"output_dir,omitempty"`
	AutoSaveSessions bool   `json:"auto_save_sessions"`
	AutonomousAccess *bool  `json:"autonomous_access,omitempty"`
	InternetAccess   *bool  `json:"internet_access,omitempty"`
	DefaultMode      string `json:"default_mode,omitempty"` // agent or chat
}

// AutonomousGranted reports whether the user has explicitly allowed
// file writes and command execution without per-action confirmation.
func (s UserSettings) AutonomousGranted() bool {
	return s.AutonomousAccess != nil && *s.AutonomousAccess
}

// InternetGranted reports whether the research provider may go online.
func (s UserSettings) InternetGranted() bool {
	return s.InternetAccess != nil && *s.InternetAccess
}

func defaults() UserSettings {
	return UserSettings{
		AutoSaveSessions: true,
		DefaultMode:      "agent",
	}
}

// Manager loads and saves the settings file under the kiln data dir.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager points at <dataDir>/settings.json. Nothing is read until
// Load.
func NewManager(dataDir string) *Manager {
	return &Manager{path: filepath.Join(dataDir, "settings.json")}
}

// Path returns the settings file location.
func (m *Manager) Path() string { return m.path }

// Load reads the settings file. A missing file yields defaults, not an
// error; a corrupt file is reported and replaced by defaults so one bad
// write never bricks the engine.
func (m *Manager) Load() (UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := defaults()
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		log.Warn().Err(err).Str("path", m.path).Msg("settings file unreadable, using defaults")
		return defaults(), nil
	}
	return s, nil
}

// Save writes the settings atomically: temp sibling then rename.
func (m *Manager) Save(s UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// Update applies fn to the current settings and saves the result.
func (m *Manager) Update(fn func(*UserSettings)) (UserSettings, error) {
	s, err := m.Load()
	if err != nil {
		return s, err
	}
	fn(&s)
	if err := m.Save(s); err != nil {
		return s, err
	}
	return s, nil
}
