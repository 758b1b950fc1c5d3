package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tiroq/recbridge/internal/bridge"
	"github.com/tiroq/recbridge/internal/config"
	"github.com/tiroq/recbridge/internal/diaglog"
	"github.com/tiroq/recbridge/internal/engine"
	"github.com/tiroq/recbridge/internal/ipc"
	"github.com/tiroq/recbridge/internal/logging"
	"github.com/tiroq/recbridge/internal/permission"
	"github.com/tiroq/recbridge/internal/pidfile"
	"github.com/tiroq/recbridge/internal/recorder"
	"github.com/tiroq/recbridge/internal/server"
	"github.com/tiroq/recbridge/internal/session"
)

func run(parent context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: true,
		Service: "recbridge-core",
		Version: Version,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()

	log.Info().
		Int("pid", os.Getpid()).
		Str("listen", cfg.ListenAddr).
		Str("recordings", cfg.RecordingsDir).
		Str("state", cfg.StateDir).
		Msg("starting recbridge-core")

	pf, err := pidfile.Acquire(cfg.StateDir)
	if err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			log.Error().Err(err).Str("pidfile", pidfile.Path(cfg.StateDir)).
				Msg("another core owns the session; remove the pid file only if you are sure it is stale")
		}
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			log.Warn().Err(err).Msg("release pid file")
		}
	}()

	diag, err := diaglog.New(diaglog.PathIn(cfg.StateDir))
	if err != nil {
		log.Warn().Err(err).Msg("diagnostic trace unavailable")
		diag = diaglog.NewNoOp()
	}
	defer func() { _ = diag.Close() }()
	if diag.Enabled() {
		log.Info().Str("path", diaglog.PathIn(cfg.StateDir)).Msg("diagnostic trace enabled")
	}

	backend := recorder.NewExecBackend(recorder.ExecConfig{
		Command:     cfg.Backend.Command,
		Args:        cfg.Backend.Args,
		StopTimeout: cfg.Backend.StopTimeout,
		Logger:      logging.WithComponent(log, "recorder"),
	})

	eng := engine.New(backend, engine.Options{
		RecordingsDir:   cfg.RecordingsDir,
		FileExt:         cfg.FileExtension,
		TickInterval:    cfg.TickInterval,
		StabilityWindow: cfg.StabilityWindow,
		Debounce:        cfg.CommandDebounce,
		WriteMetadata:   cfg.WriteMetadata,
		Version:         Version,
		Permission:      permission.DirChecker{Dir: cfg.RecordingsDir, Device: cfg.Permission.Device},
		Logger:          logging.WithComponent(log, diaglog.ComponentEngine),
		Diag:            diag,
	})

	status := ipc.NewStatusFile(cfg.StateDir)
	if err := status.Mirror(eng.Snapshot()); err != nil {
		return fmt.Errorf("write initial status: %w", err)
	}

	br := bridge.New(eng, bridge.Options{
		RetryDelays: cfg.RetryDelays,
		Mirrors:     []bridge.Mirror{status},
		Logger:      logging.WithComponent(log, diaglog.ComponentBridge),
		Diag:        diag,
	})

	srv := server.New(br, server.Options{
		Password: cfg.Password,
		Version:  Version,
		Logger:   logging.WithComponent(log, diaglog.ComponentServer),
		Diag:     diag,
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		// ends when the engine closes its event stream, so the final
		// snapshot still reaches status.json
		return br.Run(context.Background(), eng.Events())
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.ListenAddr)
	})
	ipcLog := logging.WithComponent(log, diaglog.ComponentIPC)
	g.Go(func() error {
		return ipc.WatchCommands(gctx, cfg.StateDir, ipc.DefaultPollInterval, ipcLog, func(req ipc.Request) {
			diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentIPC,
				Event:     diaglog.EventCommandFileInput,
				Payload:   map[string]interface{}{"command": req.String()},
			})
			if err := dispatch(gctx, br, req); err != nil {
				ipcLog.Warn().Err(err).Str("command", req.String()).Str("code", session.Code(err)).Msg("command file request rejected")
				return
			}
			ipcLog.Info().Str("command", req.String()).Msg("command file request applied")
		})
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("core stopped with error")
		return err
	}
	log.Info().Msg("core stopped")
	return nil
}

// commander is satisfied by *bridge.Bridge.
type commander interface {
	Start(ctx context.Context, elapsedBefore int64) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	ForceStop(ctx context.Context) error
}

// dispatch applies a command dropped into the state directory.
func dispatch(ctx context.Context, c commander, req ipc.Request) error {
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
	default:
		return fmt.Errorf("%w: %q", ipc.ErrUnknownCommand, req.Command)
	}
}
