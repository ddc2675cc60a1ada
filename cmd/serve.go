package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the batch ingestion workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Serve(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}
