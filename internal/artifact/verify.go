package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrVerificationFailed is returned when a finished recording is missing,
// empty or unreadable.
var ErrVerificationFailed = errors.New("artifact verification failed")

// Info describes a verified artifact.
type Info struct {
	Path string
	URI  string
	Size int64
}

// Verify checks that path exists, is a regular non-empty file, and can be
// read by this process. On success the file is made world-readable so that
// an observer can open it without another permission round-trip. Every
// failure wraps ErrVerificationFailed.
func Verify(path string) (Info, error) {
	if path == "" {
		return Info{}, verifyErr("file path is empty", nil)
	}

	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, verifyErr("file doesn't exist: "+path, nil)
		}
		return Info{}, verifyErr("stat "+path, err)
	}
	if !st.Mode().IsRegular() {
		return Info{}, verifyErr("not a regular file: "+path, nil)
	}
	if st.Size() == 0 {
		return Info{}, verifyErr("file is empty: "+path, nil)
	}

	if err := MakeReadable(path); err != nil {
		return Info{}, verifyErr("normalize permissions of "+path, err)
	}
	if err := probeRead(path); err != nil {
		return Info{}, verifyErr("file is not readable: "+path, err)
	}

	return Info{Path: path, URI: URI(path), Size: st.Size()}, nil
}

// MakeReadable adds read permission for owner, group and others.
func MakeReadable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := st.Mode().Perm()
	if mode&0o444 == 0o444 {
		return nil
	}
	return os.Chmod(path, mode|0o444)
}

func probeRead(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func verifyErr(msg string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", ErrVerificationFailed, msg, cause)
	}
	return fmt.Errorf("%w: %s", ErrVerificationFailed, msg)
}
