package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	illegalChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
	whitespace   = regexp.MustCompile(`[\s_]+`)
)

// SanitizeExt normalises a file extension: no leading dot, lowercase, only
// filename-safe characters. Empty input yields "m4a".
func SanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	ext = illegalChars.ReplaceAllString(ext, "")
	ext = whitespace.ReplaceAllString(ext, "")
	if ext == "" {
		return "m4a"
	}
	return ext
}

// FileName returns the output name for a recording started at now:
// recording_YYYYMMDD_HHMMSS_mmm.<ext>
func FileName(now time.Time, ext string) string {
	return fmt.Sprintf("recording_%s_%03d.%s",
		now.Format("20060102_150405"),
		now.Nanosecond()/int(time.Millisecond),
		SanitizeExt(ext))
}

// NewOutputPath returns a path inside dir that does not exist yet. When two
// starts land in the same millisecond a numeric suffix is appended.
func NewOutputPath(dir string, now time.Time, ext string) string {
	name := FileName(now, ext)
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))
	suffix := filepath.Ext(name)
	for i := 2; i < 100; i++ {
		try := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, suffix))
		if _, err := os.Stat(try); os.IsNotExist(err) {
			return try
		}
	}
	return path
}
