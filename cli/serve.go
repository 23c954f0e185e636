package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qbench/qbench/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tool surface over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setupContext(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			application, err := buildApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer application.Close(ctx)
			searchUC, getUC, similarUC, ingestUC, deleteUC, healthUC := application.useCases()
			srv := server.New(server.Deps{
				Search:      searchUC,
				GetByKey:    getUC,
				FindSimilar: similarUC,
				Ingest:      ingestUC,
				Delete:      deleteUC,
				Health:      healthUC,
			}, server.Config{
				SearchTimeout:    cfg.Search.Timeout,
				ShutdownGrace:    cfg.Server.ShutdownGrace,
				QueryRatePerMin:  cfg.Server.SearchRatePerMin,
				IngestRatePerMin: cfg.Server.IngestRatePerMin,
			})
			return srv.ServeStdio(ctx)
		},
	}
}
