package engine

import "github.com/tiroq/recbridge/internal/session"

// EventKind discriminates Event.
type EventKind int

const (
	// KindStatus carries a new session snapshot.
	KindStatus EventKind = iota
	// KindTick carries elapsed progress while recording.
	KindTick
	// KindCompleted follows the Completed status once the artifact is verified.
	KindCompleted
	// KindError follows the Error status.
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindTick:
		return "tick"
	case KindCompleted:
		return "completed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by the engine for every observable change. Snapshot is
// always the session state right after the change.
type Event struct {
	Kind     EventKind
	Snapshot session.Snapshot

	DurationMillis int64  // KindCompleted
	Message        string // KindError

	// Resync marks a re-broadcast requested through RequestStatus.
	Resync bool
}
