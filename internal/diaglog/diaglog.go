// Package diaglog records a protocol-level trace of the core: every command
// decision, publish, retry and verification as one JSON line. Activated by
// RECBRIDGE_DEBUG=true; otherwise every call is a no-op and no file is created.
package diaglog

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	ComponentEngine     = "engine"
	ComponentBridge     = "bridge"
	ComponentServer     = "server"
	ComponentObserver   = "observer"
	ComponentIPC        = "ipc"
	ComponentDiagExport = "diag-export"
	ComponentCore       = "recbridge-core"
)

const (
	EventCommandAccepted  = "command_accepted"
	EventCommandRejected  = "command_rejected"
	EventPublish          = "publish"
	EventPublishSkipped   = "publish_skipped"
	EventRetryScheduled   = "retry_scheduled"
	EventRetrySent        = "retry_sent"
	EventRetryDropped     = "retry_dropped"
	EventDeliveryFailed   = "delivery_failed"
	EventObserverAttach   = "observer_attach"
	EventObserverDetach   = "observer_detach"
	EventRequestStatus    = "request_status"
	EventVerifySucceeded  = "verify_succeeded"
	EventVerifyFailed     = "verify_failed"
	EventBackendFailure   = "backend_failure"
	EventStaleResult      = "stale_result"
	EventWSConnect        = "ws_connect"
	EventWSDisconnect     = "ws_disconnect"
	EventWSReconnect      = "ws_reconnect_attempt"
	EventCommandFileInput = "command_file_input"
)

// LogEntry is one trace record.
type LogEntry struct {
	Timestamp time.Time
	Component string
	Event     string
	SessionID string // recording attempt id
	Reason    string
	Payload   interface{} // redacted before write
}

// Logger writes LogEntry values to a rolling NDJSON file.
type Logger struct {
	rw      *rollingWriter
	zl      zerolog.Logger
	enabled bool
}

// DefaultMaxSize caps the trace file before it is truncated.
const DefaultMaxSize = 10 * 1024 * 1024

// New opens (or creates) the trace file at path. If debug mode is disabled,
// path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return NewNoOp(), nil
	}
	rw, err := newRollingWriter(path, DefaultMaxSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, zl: zerolog.New(rw), enabled: true}, nil
}

// Log writes entry as a single JSON line.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	ev := l.zl.Log().
		Str("ts", ts.UTC().Format(time.RFC3339Nano)).
		Str("component", entry.Component).
		Str("event", entry.Event)
	if entry.SessionID != "" {
		ev = ev.Str("session_id", entry.SessionID)
	}
	if entry.Reason != "" {
		ev = ev.Str("reason", entry.Reason)
	}
	if entry.Payload != nil {
		ev = ev.Interface("payload", Redact(entry.Payload))
	}
	ev.Send()
}

// Enabled reports whether entries are being written.
func (l *Logger) Enabled() bool { return l != nil && l.enabled }

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	return l.rw.close()
}

// IsDebugEnabled reports whether RECBRIDGE_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("RECBRIDGE_DEBUG") == "true"
}

// FileName is the trace file kept in the state directory.
const FileName = "recbridge-debug.ndjson"

// PathIn returns the trace location for stateDir. RECBRIDGE_DIAG_PATH
// overrides it.
func PathIn(stateDir string) string {
	if p := os.Getenv("RECBRIDGE_DIAG_PATH"); p != "" {
		return p
	}
	return filepath.Join(stateDir, FileName)
}

// NewNoOp returns a logger where every Log call is a no-op.
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
