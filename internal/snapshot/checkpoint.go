package snapshot

// ============================================================================
// Cursor checkpoint
// Responsibilities:
// 1. Persist the tailer cursors of one bus instance as a JSON file
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Validate the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/logbus/internal/storage/eventlog"
	"github.com/ChuLiYu/logbus/pkg/types"
)

const schemaVersion = 1

var (
	ErrCorruptedCheckpoint = errors.New("checkpoint file is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
)

// Checkpoint is the persisted read position of one bus instance.
type Checkpoint struct {
	SchemaVer int                              `json:"schema_ver"`
	ServiceID types.PeerID                     `json:"service_id"`
	SavedAt   time.Time                        `json:"saved_at"`
	Cursors   map[types.PeerID]eventlog.Cursor `json:"cursors"`
}

// Manager reads and writes the checkpoint file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for the checkpoint file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// PathFor returns the checkpoint path of service inside stateDir.
func PathFor(stateDir string, service types.PeerID) string {
	return filepath.Join(stateDir, service.String()+".cursor.json")
}

// Write atomically replaces the checkpoint.
func (m *Manager) Write(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp.SchemaVer = schemaVersion
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint. A missing file yields an empty checkpoint and
// ok=false (first start).
func (m *Manager) Load() (cp Checkpoint, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{
				SchemaVer: schemaVersion,
				Cursors:   make(map[types.PeerID]eventlog.Cursor),
			}, false, nil
		}
		return cp, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, false, fmt.Errorf("%w: %v", ErrCorruptedCheckpoint, err)
	}
	if cp.SchemaVer != schemaVersion {
		return cp, false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, cp.SchemaVer, schemaVersion)
	}
	if cp.Cursors == nil {
		cp.Cursors = make(map[types.PeerID]eventlog.Cursor)
	}
	return cp, true, nil
}

// Exists reports whether a checkpoint file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the checkpoint path.
func (m *Manager) GetPath() string {
	return m.path
}
