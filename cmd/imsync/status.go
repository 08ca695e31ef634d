package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/calder-io/imsync/internal/identity"
	"github.com/calder-io/imsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show staging and correlation counts per project",
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

		fmt.Println(ui.RenderTitle("imsync status"))
		fmt.Printf("%s %s\n\n", ui.RenderKey("database:"), cfg.Database)

		for _, pc := range cfg.Projects {
			total, needFetch, unsynced, err := st.staging.CountIssues(ctx, pc.ID)
			if err != nil {
				return err
			}
			issues, err := st.ledger.Count(ctx, pc.Scope(), identity.KindIssue)
			if err != nil {
				return err
			}
			items, err := st.ledger.Count(ctx, pc.Scope(), identity.KindTimelineItem)
			if err != nil {
				return err
			}

			fmt.Printf("%s %s\n", ui.RenderKey("project:"), pc.ID)
			fmt.Printf("  staged issues:       %d\n", total)
			fmt.Printf("  awaiting fetch:      %s\n", renderCount(needFetch))
			fmt.Printf("  unsynced:            %s\n", renderCount(unsynced))
			fmt.Printf("  correlated issues:   %d\n", issues)
			fmt.Printf("  correlated events:   %d\n", items)
		}
		return nil
	},
}

func renderCount(n int) string {
	s := fmt.Sprintf("%d", n)
	if n > 0 {
		return ui.RenderWarning(s)
	}
	return ui.RenderMuted(s)
}
