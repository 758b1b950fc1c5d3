// Command recbridge-core owns the recording session: it drives the capture
// backend, keeps status.json current and serves observers over websocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "recbridge-core",
	Short:         "Recording session core",
	Long:          `recbridge-core owns the single authoritative recording session on this host and keeps observers in sync with it.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/recbridge/config.yaml)")
	rootCmd.Version = Version
	rootCmd.AddCommand(exportDiagCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "recbridge-core:", err)
		os.Exit(1)
	}
}
