package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiroq/recbridge/internal/config"
	"github.com/tiroq/recbridge/internal/diaglog"
)

var exportDest string

var exportDiagCmd = &cobra.Command{
	Use:   "export-diag",
	Short: "Bundle the diagnostic trace into a single file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		diaglog.Version = Version
		path, n, err := diaglog.Export(diaglog.PathIn(cfg.StateDir), exportDest)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.ErrOrStderr(), "hint: run the core with RECBRIDGE_DEBUG=true to record a trace")
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote: %s (%d lines)\n", path, n)
		return nil
	},
}

func init() {
	exportDiagCmd.Flags().StringVar(&exportDest, "dest", ".", "directory to write the bundle to")
}
