package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print store, embedder, and corpus status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setupContext(cmd)
			if err != nil {
				return err
			}
			application, err := buildApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer application.Close(ctx)
			_, _, _, _, _, healthUC := application.useCases()
			out := healthUC.Execute(ctx)
			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
}
