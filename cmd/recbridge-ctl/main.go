// Command recbridge-ctl controls and observes a running recbridge-core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tiroq/recbridge/internal/config"
	"github.com/tiroq/recbridge/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

var (
	cfgFile  string
	coreURL  string
	password string
	useFile  bool
	asJSON   bool
	timeout  time.Duration
	verbose  bool

	cfg config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "recbridge-ctl",
	Short:         "Control and observe the recording core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		l, _, err := logging.New(logging.Config{Level: level, Service: "recbridge-ctl", Version: Version})
		if err != nil {
			return err
		}
		log = l

		// config init must work before any config exists
		if cmd.Name() == "init" {
			return nil
		}
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if coreURL == "" {
			coreURL = wsURL(cfg.ListenAddr)
		}
		if !cmd.Flags().Changed("password") {
			password = cfg.Password
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/recbridge/config.yaml)")
	pf.StringVar(&coreURL, "url", "", "core websocket URL (default derived from listen_addr)")
	pf.StringVar(&password, "password", "", "observer password (default from config)")
	pf.BoolVar(&useFile, "file", false, "use the state directory files instead of the websocket")
	pf.BoolVar(&asJSON, "json", false, "print status as JSON")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the core")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.Version = Version
	rootCmd.AddCommand(startCmd, pauseCmd, resumeCmd, stopCmd, forceStopCmd)
	rootCmd.AddCommand(statusCmd, outputCmd, watchCmd, configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "recbridge-ctl:", err)
		os.Exit(exitCode(err))
	}
}
