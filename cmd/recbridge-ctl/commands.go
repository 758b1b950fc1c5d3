package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tiroq/recbridge/internal/artifact"
	"github.com/tiroq/recbridge/internal/ipc"
	"github.com/tiroq/recbridge/internal/observer"
	"github.com/tiroq/recbridge/internal/session"
)

var startElapsed int64

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if startElapsed < 0 {
			return fmt.Errorf("--elapsed must not be negative")
		}
		return control(cmd, ipc.Request{Command: ipc.CmdStart, ElapsedMs: startElapsed})
	},
}

var pauseCmd = controlCommand(ipc.CmdPause, "Pause the running recording")
var resumeCmd = controlCommand(ipc.CmdResume, "Resume a paused recording")
var stopCmd = controlCommand(ipc.CmdStop, "Stop and finalize the recording")
var forceStopCmd = controlCommand(ipc.CmdForceStop, "Abandon the recording and reset to idle")

func init() {
	startCmd.Flags().Int64Var(&startElapsed, "elapsed", 0, "milliseconds already recorded in an earlier segment")
}

func controlCommand(c ipc.Command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(c),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return control(cmd, ipc.Request{Command: c})
		},
	}
}

// control sends req over the websocket, or drops it into the state
// directory with --file. The file channel has no reply.
func control(cmd *cobra.Command, req ipc.Request) error {
	if useFile {
		if err := ipc.WriteCommand(cfg.StateDir, req); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s in %s\n", req, ipc.CommandPath(cfg.StateDir))
		return nil
	}
	return withClient(cmd, func(ctx context.Context, c *observer.Client) error {
		if err := send(ctx, c, req); err != nil {
			return err
		}
		status, err := c.GetStatus(ctx)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), status)
	})
}

func send(ctx context.Context, c *observer.Client, req ipc.Request) error {
	switch req.Command {
	case ipc.CmdStart:
		return c.Start(ctx, req.ElapsedMs)
	case ipc.CmdPause:
		return c.Pause(ctx)
	case ipc.CmdResume:
		return c.Resume(ctx)
	case ipc.CmdStop:
		return c.Stop(ctx)
	case ipc.CmdForceStop:
		return c.ForceStop(ctx)
	}
	return fmt.Errorf("%w: %q", ipc.ErrUnknownCommand, req.Command)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if useFile {
			st, err := ipc.ReadStatus(cfg.StateDir)
			if err != nil {
				return fmt.Errorf("read %s: %w", ipc.StatusPath(cfg.StateDir), err)
			}
			return printStatus(cmd.OutOrStdout(), st.Snapshot)
		}
		return withClient(cmd, func(ctx context.Context, c *observer.Client) error {
			status, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status)
		})
	},
}

var outputCmd = &cobra.Command{
	Use:   "output",
	Short: "Print the verified output file of the last completed recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var uri string
		if useFile {
			st, err := ipc.ReadStatus(cfg.StateDir)
			if err != nil {
				return fmt.Errorf("read %s: %w", ipc.StatusPath(cfg.StateDir), err)
			}
			uri = fileOutput(st.Snapshot)
		} else {
			err := withClient(cmd, func(ctx context.Context, c *observer.Client) error {
				var err error
				uri, err = c.GetOutputFilePath(ctx)
				return err
			})
			if err != nil {
				return err
			}
		}
		if uri == "" {
			return errNoOutput
		}
		fmt.Fprintln(cmd.OutOrStdout(), uri)
		return nil
	},
}

var errNoOutput = errors.New("no verified output file")

// fileOutput applies the core's output rule to a status read from disk:
// only a completed session whose file still verifies has an output.
func fileOutput(s session.Snapshot) string {
	if s.State != session.StateCompleted || s.OutputFile == "" {
		return ""
	}
	if _, err := artifact.Verify(artifact.Path(s.OutputFile)); err != nil {
		return ""
	}
	return s.OutputFile
}

// withClient connects a non-subscribing client for one request.
func withClient(cmd *cobra.Command, fn func(context.Context, *observer.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c := observer.NewClient(coreURL, observer.Options{
		Password: password,
		Logger:   log,
	})
	defer c.Disconnect()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect to core at %s: %w", coreURL, err)
	}
	return fn(ctx, c)
}

func printStatus(w io.Writer, s session.Snapshot) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	_, err := fmt.Fprintln(w, formatSnapshot(s))
	return err
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidState):
		return 3
	case errors.Is(err, session.ErrPermissionDenied):
		return 4
	case errors.Is(err, observer.ErrNotConnected), errors.Is(err, errNoOutput):
		return 2
	default:
		return 1
	}
}
