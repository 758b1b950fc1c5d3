package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/tiroq/recbridge/internal/session"
)

// StatusFileName is the name of the status mirror inside the state directory.
const StatusFileName = "status.json"

// Status is the on-disk form of the last published snapshot.
type Status struct {
	session.Snapshot
	PID       int       `json:"pid"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusPath returns the status file inside stateDir.
func StatusPath(stateDir string) string {
	return filepath.Join(stateDir, StatusFileName)
}

// StatusFile keeps status.json in step with the session. It implements
// bridge.Mirror.
type StatusFile struct {
	dir string
	pid int
	now func() time.Time
}

// NewStatusFile returns a mirror writing into stateDir.
func NewStatusFile(stateDir string) *StatusFile {
	return &StatusFile{dir: stateDir, pid: os.Getpid(), now: time.Now}
}

// Path returns the file being written.
func (f *StatusFile) Path() string { return StatusPath(f.dir) }

// Mirror atomically replaces status.json with s.
func (f *StatusFile) Mirror(s session.Snapshot) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(Status{Snapshot: s, PID: f.pid, UpdatedAt: f.now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := renameio.WriteFile(f.Path(), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// ReadStatus loads status.json from stateDir.
func ReadStatus(stateDir string) (Status, error) {
	data, err := os.ReadFile(StatusPath(stateDir))
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("decode %s: %w", StatusFileName, err)
	}
	if !st.State.Valid() {
		return Status{}, fmt.Errorf("decode %s: unknown state %q", StatusFileName, st.State)
	}
	return st, nil
}
