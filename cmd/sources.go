package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the registered county sources as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{
				"default": app.DefaultSource(),
				"sources": app.Sources(),
			}); err != nil {
				return fmt.Errorf("write sources: %w", err)
			}
			return nil
		},
	}
}
