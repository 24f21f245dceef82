package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd runs lernfeed as a long-lived service: the ops HTTP server
// plus the scrape scheduler. Enrichment stages stay CLI-driven.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the scrape scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
}
