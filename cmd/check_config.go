package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listings-crawler/internal/config"
)

func newCheckConfigCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK\n")
			fmt.Fprintf(out, "targets: %d\n", len(cfg.Targets))
			fmt.Fprintf(out, "identities: %d\n", len(cfg.Identity.Identities))
			fmt.Fprintf(out, "storage backend: %s\n", cfg.Storage.Backend)
			if cfg.DB.DSN == "" {
				fmt.Fprintf(out, "dead letters: memory\n")
			} else {
				fmt.Fprintf(out, "dead letters: postgres (%s)\n", cfg.DB.DeadLetterTable)
			}
			if cfg.PubSub.ProjectID != "" {
				fmt.Fprintf(out, "pubsub: %s (intake: %q)\n", cfg.PubSub.ProjectID, cfg.PubSub.IntakeSubscription)
			}
			return nil
		},
	}
}
