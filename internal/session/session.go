// Package session persists a build's state to a workspace-local file
// so an interrupted run can pick up where it stopped. The snapshot
// carries the plan, the task DAG with statuses and failure counters,
// and the memory state; generated file contents stay on disk and are
// re-scanned on resume.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/pkg/models"
)

// Version tags the snapshot format. Files written by a newer kiln
// load read-only: the engine can display them but will not resume or
// overwrite them.
const Version = "kiln-session/1"

// FileName is the snapshot's name under the workspace root.
const FileName = ".kiln_session.json"

// Snapshot is the on-disk document.
type Snapshot struct {
	Version string            `json:"version"`
	RunID   string            `json:"run_id"`
	Request string            `json:"request,omitempty"`
	SavedAt time.Time         `json:"saved_at"`
	Plan    models.Plan       `json:"plan"`
	Tasks   []models.TaskNode `json:"tasks"`
	Memory  memory.State      `json:"memory"`
}

// Store reads and writes the snapshot for one workspace.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore points at <workspace>/.kiln_session.json.
func NewStore(workspace string) *Store {
	return &Store{path: filepath.Join(workspace, FileName)}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Exists reports whether a snapshot is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save writes the snapshot atomically: temp sibling then rename. The
// version tag and save time are stamped here so callers cannot write
// an untagged file.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Version = Version
	snap.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}

// Load reads and rehydrates the snapshot. Tasks caught mid-pipeline at
// save time come back as PENDING: generation is not transactional, so
// any non-terminal status restarts from the top. A snapshot with an
// unrecognized version is returned alongside models.ErrSessionVersion
// so callers can display it without resuming it.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	data, err := os.ReadFile(s.path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse session %s: %w", s.path, err)
	}
	if snap.Version != Version {
		return snap, fmt.Errorf("session version %q: %w", snap.Version, models.ErrSessionVersion)
	}
	for i := range snap.Tasks {
		if !snap.Tasks[i].Status.Terminal() {
			snap.Tasks[i].Status = models.TaskPending
		}
	}
	return snap, nil
}

// Clear removes the snapshot file. A missing file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
