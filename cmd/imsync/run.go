package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/calder-io/imsync/internal/config"
	"github.com/calder-io/imsync/internal/dashboard"
	"github.com/calder-io/imsync/internal/engine"
	"github.com/calder-io/imsync/internal/notify"
	"github.com/calder-io/imsync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run sync cycles continuously.

The first cycle starts immediately; each following cycle is armed at the
previous cycle's completion time plus the configured interval. Edits to the
config file adjust the interval without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := newLogger(cfg.Log)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStores(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer st.db.Close()

		var sink notify.Sink = notify.NewLogSink(logger)
		var listener engine.Listener
		if cfg.Dashboard.Enabled {
			dash := dashboard.NewServer(cfg.Dashboard.Addr, logger)
			if err := dash.Start(); err != nil {
				return err
			}
			defer dash.Stop()
			fmt.Printf("%s dashboard on http://%s\n", ui.RenderAccent("●"), dash.Addr())
			sink = notify.Fanout{sink, dash}
			listener = dash
		}

		orch := engine.NewOrchestrator(buildProjects(cfg, st), sink, listener, logger)
		sched := engine.NewScheduler(orch, cfg.SyncInterval, logger)

		loader.Watch(func(updated *config.Config) {
			logger.Printf("config reloaded, sync interval now %s", updated.SyncInterval)
			sched.SetInterval(updated.SyncInterval)
		})

		logger.Printf("daemon starting: %d project(s), interval %s", len(cfg.Projects), cfg.SyncInterval)
		err = sched.Run(ctx)
		if ctx.Err() != nil {
			logger.Printf("daemon stopping: %v", ctx.Err())
			return nil
		}
		return err
	},
}

// newLogger builds the daemon logger, rotating through lumberjack when a log
// file is configured.
func newLogger(cfg config.LogConfig) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return log.New(out, "[imsync] ", log.LstdFlags)
}
