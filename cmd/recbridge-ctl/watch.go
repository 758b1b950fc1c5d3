package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tiroq/recbridge/internal/ipc"
	"github.com/tiroq/recbridge/internal/observer"
	"github.com/tiroq/recbridge/internal/session"
	"github.com/tiroq/recbridge/internal/wire"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the session until interrupted",
	Long: `watch subscribes to the core and prints every status change, time update,
completion and error. It reconnects when the core goes away. With --file it
follows status.json in the state directory instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := &lockedWriter{w: cmd.OutOrStdout()}
		if useFile {
			return ipc.WatchStatus(cmd.Context(), cfg.StateDir, ipc.DefaultPollInterval, log, func(st ipc.Status) {
				_ = printStatus(out, st.Snapshot)
			})
		}
		return watchCore(cmd, out)
	},
}

func watchCore(cmd *cobra.Command, out io.Writer) error {
	mirror := observer.NewMirror(printHandlers(out))
	c := observer.NewClient(coreURL, observer.Options{
		Password:  password,
		Subscribe: true,
		Reconnect: true,
		Logger:    log,
	})
	c.OnNotification(func(n wire.Notification) { mirror.Apply(n) })
	c.OnDisconnected(func() { fmt.Fprintln(out, "core connection lost, reconnecting") })
	c.OnReconnected(func() { fmt.Fprintln(out, "reconnected") })
	defer c.Disconnect()

	if err := c.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("connect to core at %s: %w", coreURL, err)
	}
	<-cmd.Context().Done()
	return nil
}

// printHandlers renders mirrored changes, one line each.
func printHandlers(out io.Writer) observer.Handlers {
	return observer.Handlers{
		Status: func(s session.Snapshot) { _ = printStatus(out, s) },
		Time: func(t wire.TimeUpdate) {
			if !asJSON {
				fmt.Fprintf(out, "  %s\n", formatElapsed(t.ElapsedMillis))
			}
		},
		Complete: func(c wire.Complete) {
			fmt.Fprintf(out, "completed %s (%s)\n", c.OutputFile, formatElapsed(c.DurationMillis))
		},
		Error: func(e wire.ErrorInfo) {
			fmt.Fprintf(out, "error: %s\n", e.Message)
		},
	}
}

// lockedWriter serialises lines written from client callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
