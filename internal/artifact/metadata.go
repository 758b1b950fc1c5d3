package artifact

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// Metadata is the sidecar written next to each verified recording.
type Metadata struct {
	Version    string    `json:"version"`
	AttemptID  string    `json:"attempt_id"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	Duration   string    `json:"duration"`
	DurationMs int64     `json:"duration_ms"`
	Backend    string    `json:"backend"`
	OutputFile string    `json:"output_file"` // canonical URI
	SizeBytes  int64     `json:"size_bytes"`
}

// WriteMetadata writes <basepath>.meta.json atomically alongside the recording.
func WriteMetadata(recordingPath string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	data = append(data, '\n')

	if err := renameio.WriteFile(MetadataPath(recordingPath), data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// MetadataPath returns <basepath>.meta.json for a given recording path.
func MetadataPath(recordingPath string) string {
	ext := filepath.Ext(recordingPath)
	return recordingPath[:len(recordingPath)-len(ext)] + ".meta.json"
}
