package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qbench/qbench/engine/testdoc/uc"
)

func newIngestCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "ingest <file.json>",
		Short: "Normalise and index a JSON test export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setupContext(cmd)
			if err != nil {
				return err
			}
			application, err := buildApp(ctx, cfg, resume)
			if err != nil {
				return err
			}
			defer application.Close(ctx)
			_, _, _, ingestUC, _, _ := application.useCases()
			out, err := ingestUC.Execute(ctx, &uc.IngestInput{Path: args[0]})
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(out.Report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the ingestion checkpoint")
	return cmd
}
