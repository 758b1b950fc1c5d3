package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// CommandFile is the name of the command drop inside the state directory.
const CommandFile = "cmd.txt"

// ErrUnknownCommand is returned for a command line that cannot be parsed.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a control command written by a client without a socket.
type Command string

const (
	CmdStart     Command = "start"
	CmdPause     Command = "pause"
	CmdResume    Command = "resume"
	CmdStop      Command = "stop"
	CmdForceStop Command = "force-stop"
)

// Request is one parsed command line: "start [elapsedMs]", "pause",
// "resume", "stop" or "force-stop".
type Request struct {
	Command   Command
	ElapsedMs int64
}

func (r Request) String() string {
	if r.Command == CmdStart && r.ElapsedMs > 0 {
		return fmt.Sprintf("%s %d", r.Command, r.ElapsedMs)
	}
	return string(r.Command)
}

// ParseRequest parses one command line.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("%w: empty", ErrUnknownCommand)
	}
	req := Request{Command: Command(fields[0])}
	switch req.Command {
	case CmdStart:
		if len(fields) > 2 {
			return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
		}
		if len(fields) == 2 {
			ms, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil || ms < 0 {
				return Request{}, fmt.Errorf("%w: bad elapsed %q", ErrUnknownCommand, fields[1])
			}
			req.ElapsedMs = ms
		}
	case CmdPause, CmdResume, CmdStop, CmdForceStop:
		if len(fields) != 1 {
			return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
		}
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	return req, nil
}

// CommandPath returns the command file inside stateDir.
func CommandPath(stateDir string) string {
	return filepath.Join(stateDir, CommandFile)
}

// WriteCommand replaces the pending command with req.
func WriteCommand(stateDir string, req Request) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(CommandPath(stateDir), []byte(req.String()+"\n"), 0o644)
}

// ReadCommand takes and clears the pending command. ok is false when no
// command is pending.
//
// The file is renamed away before it is read, so a command written
// concurrently lands in a fresh cmd.txt instead of being cleared unread.
func ReadCommand(stateDir string) (req Request, ok bool, err error) {
	path := CommandPath(stateDir)
	taken := path + ".taken"
	if err := os.Rename(path, taken); err != nil {
		if os.IsNotExist(err) {
			return Request{}, false, nil
		}
		return Request{}, false, err
	}
	data, err := os.ReadFile(taken)
	if rmErr := os.Remove(taken); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if err != nil {
		return Request{}, false, err
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		return Request{}, false, nil
	}
	req, err = ParseRequest(line)
	if err != nil {
		return Request{}, false, err
	}
	return req, true, nil
}
