package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/tiroq/recbridge/internal/session"
)

// wsURL turns the core's listen address into the URL a local client dials.
func wsURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "ws://" + listen + "/ws"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws"
}

// formatElapsed renders milliseconds as HH:MM:SS.
func formatElapsed(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	s := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}

func formatSnapshot(s session.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s %s", s.State, formatElapsed(s.ElapsedMillis))
	if s.OutputFile != "" {
		fmt.Fprintf(&b, "  %s", s.OutputFile)
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "  error: %s", s.LastError)
	}
	fmt.Fprintf(&b, "  (v%d)", s.Version)
	return b.String()
}
