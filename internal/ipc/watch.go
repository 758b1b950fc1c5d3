package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often a watched file is checked when fsnotify
// misses an event or is unavailable.
const DefaultPollInterval = time.Second

// WatchCommands calls handle for every command dropped into stateDir until
// ctx is done. A command already pending when the watch starts is stale and
// is discarded.
func WatchCommands(ctx context.Context, stateDir string, poll time.Duration, log zerolog.Logger, handle func(Request)) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	if stale, ok, err := ReadCommand(stateDir); err == nil && ok {
		log.Warn().Str("command", stale.String()).Msg("discarding command left from a previous run")
	}

	return watchFile(ctx, CommandPath(stateDir), poll, log, func() {
		req, ok, err := ReadCommand(stateDir)
		if err != nil {
			log.Warn().Err(err).Msg("read command file")
			return
		}
		if ok {
			handle(req)
		}
	})
}

// WatchStatus calls handle with the current status.json, then with every
// new snapshot written to it, until ctx is done. Rewrites of the same
// snapshot version are reported once.
func WatchStatus(ctx context.Context, stateDir string, poll time.Duration, log zerolog.Logger, handle func(Status)) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	var (
		seen  bool
		epoch string
		ver   uint64
	)
	check := func() {
		st, err := ReadStatus(stateDir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Debug().Err(err).Msg("read status file")
			}
			return
		}
		if seen && st.Epoch == epoch && st.Version == ver {
			return
		}
		seen, epoch, ver = true, st.Epoch, st.Version
		handle(st)
	}
	return watchFile(ctx, StatusPath(stateDir), poll, log, check)
}

// watchFile runs onChange once the watch is in place and then whenever path
// is created or written. It watches the parent directory so atomic
// replacement is seen, and polls the modification time as a safety net.
func watchFile(ctx context.Context, path string, poll time.Duration, log zerolog.Logger, onChange func()) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling")
		return pollFile(ctx, path, poll, onChange)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warn().Err(err).Msg("close file watcher")
		}
	}()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn().Err(err).Str("dir", filepath.Dir(path)).Msg("cannot watch directory, falling back to polling")
		return pollFile(ctx, path, poll, onChange)
	}
	log.Debug().Str("path", path).Msg("watching file")

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	lastMod := modTime(path)
	onChange()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				log.Warn().Msg("file watcher closed, switching to polling")
				return pollFile(ctx, path, poll, onChange)
			}
			if ev.Name == path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				lastMod = modTime(path)
				onChange()
			}
		case <-ticker.C:
			if m := modTime(path); m.After(lastMod) {
				lastMod = m
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				log.Warn().Msg("file watcher error channel closed, switching to polling")
				return pollFile(ctx, path, poll, onChange)
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func pollFile(ctx context.Context, path string, poll time.Duration, onChange func()) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	lastMod := modTime(path)
	onChange()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m := modTime(path); m.After(lastMod) {
				lastMod = m
				onChange()
			}
		}
	}
}

func modTime(path string) time.Time {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return st.ModTime()
}
