package cli

import (
	"fmt"

	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/internal/storage"
	"github.com/spf13/cobra"
)

func newExportAuditCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "export-audit",
		Short: "Ship audit log rows recorded since the last export to object storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			uploader := app.AuditUploader
			if uploader == nil {
				if !app.Config.MinIO.Enabled() {
					return fmt.Errorf("export storage not configured: set MINIO_ENDPOINT and MINIO_BUCKET")
				}
				client, err := storage.NewMinIOClient(app.Config.MinIO)
				if err != nil {
					return fmt.Errorf("connecting to object storage: %w", err)
				}

				ctx, cancel := commandContext(cmd)
				err = client.EnsureBucket(ctx)
				cancel()
				if err != nil {
					return fmt.Errorf("preparing bucket: %w", err)
				}
				uploader = client
			}

			auditService := services.NewAuditService(app.DB, uploader, 1)
			defer auditService.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			count, err := auditService.ExportOnce(ctx)
			if err != nil {
				return fmt.Errorf("exporting audit log: %w", err)
			}

			if app.flagJSON {
				printJSON(cmd.OutOrStdout(), map[string]int{"exported": count})
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d audit entries.\n", count)
			return nil
		},
	}
}
