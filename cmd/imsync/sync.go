package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/calder-io/imsync/internal/engine"
	"github.com/calder-io/imsync/internal/notify"
	"github.com/calder-io/imsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := log.New(os.Stderr, "[imsync] ", log.LstdFlags)
		ctx := cmd.Context()

		st, err := openStores(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer st.db.Close()

		orch := engine.NewOrchestrator(buildProjects(cfg, st), notify.NewLogSink(logger), nil, logger)
		result := orch.RunCycle(ctx)

		failed := 0
		for _, p := range result.Projects {
			status := ui.RenderAccent("ok")
			if p.Err != nil {
				status = ui.RenderError("failed")
				failed++
			}
			fmt.Printf("%s %s  staged %d issues, %d events, applied %d, pushed %d mutations (%s)\n",
				status, p.ProjectID,
				p.Incoming.IssuesStaged, p.Incoming.EventsStaged, p.Incoming.IssuesApplied,
				p.Outgoing.Mutations, p.Duration.Round(time.Millisecond))
		}
		fmt.Printf("%s cycle finished in %s\n", ui.RenderTitle("done:"), result.Duration.Round(time.Millisecond))

		if failed > 0 {
			return fmt.Errorf("%d of %d project(s) failed", failed, len(result.Projects))
		}
		return nil
	},
}
