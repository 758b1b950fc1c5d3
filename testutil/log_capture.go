package testutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogCapture collects JSON log lines written by a zerolog logger.
type LogCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogCapture returns a capture and a debug-level logger writing into it.
func NewLogCapture() (*LogCapture, zerolog.Logger) {
	lc := &LogCapture{}
	return lc, zerolog.New(lc).Level(zerolog.DebugLevel)
}

// Write implements io.Writer.
func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// String returns all captured output.
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Contains checks if the output contains substr.
func (lc *LogCapture) Contains(substr string) bool {
	return strings.Contains(lc.String(), substr)
}

// Count returns how often substr appears.
func (lc *LogCapture) Count(substr string) int {
	return strings.Count(lc.String(), substr)
}

// Entries decodes every captured line. Lines that are not JSON are skipped.
func (lc *LogCapture) Entries() []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(lc.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// HasMessage reports whether some entry has message msg.
func (lc *LogCapture) HasMessage(msg string) bool {
	for _, e := range lc.Entries() {
		if e[zerolog.MessageFieldName] == msg {
			return true
		}
	}
	return false
}
