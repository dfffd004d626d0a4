package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/ingest"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server and the scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
}

func newIngestCmd() *cobra.Command {
	var opts ingest.Options
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Scrape the listing once and persist the notices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.MaxPages < 0 {
				return fmt.Errorf("--max-pages must be >= 0, got %d", opts.MaxPages)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Ingest(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			appInstance.Logger().Info("ingest command finished", zap.String("run_id", res.RunID))
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "stop after this many listing pages (0 = all)")
	cmd.Flags().BoolVar(&opts.ClearExisting, "clear", false, "delete every stored notice before saving")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Geocode stored notices that have no geometry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Backfill(cmd.Context())
			if err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Migrate(cmd.Context())
		},
	}
}
