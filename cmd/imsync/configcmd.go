package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calder-io/imsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with tokens redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rendered, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n\n", ui.RenderKey("file:"), loader.Path())
		fmt.Print(rendered)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
