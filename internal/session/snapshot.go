package session

// State is the authoritative recording status.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateRecording, StatePaused, StateCompleted, StateError:
		return true
	}
	return false
}

// Terminal reports whether s only accepts a fresh start (or forceStop).
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Snapshot is an immutable point-in-time view of the session handed across
// the process boundary. OutputFile is always the canonical file:// form.
type Snapshot struct {
	State         State  `json:"state"`
	OutputFile    string `json:"outputFile,omitempty"`
	ElapsedMillis int64  `json:"currentTime"`
	LastError     string `json:"lastError,omitempty"`
	Version       uint64 `json:"version"`
	Epoch         string `json:"epoch,omitempty"`
}

// Equal is the dedup key: two snapshots are equal when the observable
// fields match. Version and Epoch are ordering metadata and are ignored.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.State == o.State &&
		s.OutputFile == o.OutputFile &&
		s.ElapsedMillis == o.ElapsedMillis &&
		s.LastError == o.LastError
}

// IsRecording reports whether capture is active or paused.
func (s Snapshot) IsRecording() bool {
	return s.State == StateRecording || s.State == StatePaused
}

