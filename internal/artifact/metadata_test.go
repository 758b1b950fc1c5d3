package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteMetadata(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "recording_20260101_120000_000.m4a")
	if err := os.WriteFile(recPath, []byte("fake"), 0o644); err != nil {
		t.Fatal(err)
	}

	meta := &Metadata{
		Version:    "1.0.0",
		AttemptID:  "attempt-1",
		StartedAt:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		StoppedAt:  time.Date(2026, 1, 1, 12, 1, 30, 0, time.UTC),
		Duration:   "1m30s",
		DurationMs: 90000,
		Backend:    "exec",
		OutputFile: URI(recPath),
		SizeBytes:  4,
	}
	if err := WriteMetadata(recPath, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "recording_20260101_120000_000.meta.json"))
	if err != nil {
		t.Fatalf("read meta file: %v", err)
	}
	var got Metadata
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.AttemptID != "attempt-1" {
		t.Errorf("attempt_id = %q", got.AttemptID)
	}
	if got.DurationMs != 90000 {
		t.Errorf("duration_ms = %d", got.DurationMs)
	}
	if got.OutputFile != "file://"+recPath {
		t.Errorf("output_file = %q", got.OutputFile)
	}
	if !got.StoppedAt.Equal(meta.StoppedAt) {
		t.Errorf("stopped_at = %v", got.StoppedAt)
	}
}

func TestMetadataPath(t *testing.T) {
	tests := map[string]string{
		"/a/b/rec.m4a":     "/a/b/rec.meta.json",
		"/a/b/rec":         "/a/b/rec.meta.json",
		"/a/b/rec.tar.m4a": "/a/b/rec.tar.meta.json",
	}
	for in, want := range tests {
		if got := MetadataPath(in); got != want {
			t.Errorf("MetadataPath(%q) = %q, want %q", in, got, want)
		}
	}
}
