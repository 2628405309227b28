package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/budget_sync/appctx"
	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"bitbucket.org/mmdatafocus/budget_sync/sheetsync"
	"bitbucket.org/mmdatafocus/budget_sync/utils"
	"github.com/google/uuid"
)

func main() {
	mode := flag.String("mode", string(sheetsync.ModeFullRefresh), "Refresh mode: full_refresh or upsert_stage")
	dryRun := flag.Bool("dry-run", false, "Run preflight, backup and validation only")
	migrate := flag.Bool("migrate", false, "AutoMigrate tables before the refresh")
	flag.Parse()

	refreshMode := sheetsync.RefreshMode(*mode)
	if refreshMode != sheetsync.ModeFullRefresh && refreshMode != sheetsync.ModeUpsertStage {
		fmt.Fprintf(os.Stderr, "--mode must be %s or %s\n", sheetsync.ModeFullRefresh, sheetsync.ModeUpsertStage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if *migrate {
		if err := models.MigrateTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}

	settings := config.LoadSheetSettings()
	sheetsSvc, err := config.NewSheetsService(ctx, settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sheets client: %v\n", err)
		os.Exit(1)
	}

	opts := []sheetsync.Option{}
	if config.BackupExportEnabled() {
		bucket := config.BackupBucket()
		opts = append(opts, sheetsync.WithBackupUploader(func(ctx context.Context, objectName string, data []byte) (string, error) {
			return utils.UploadBytesToGCS(ctx, bucket, objectName, utils.XlsxContentType, data)
		}))
	}
	if config.PublishSyncEvents() {
		opts = append(opts, sheetsync.WithEventPublisher(sheetsync.PubSubPublisher()))
	}
	svc := sheetsync.NewService(db, sheetsync.NewSheetsClient(sheetsSvc, settings.RateLimitPerMin), settings, opts...)

	// a refresh is not cancellable once it starts writing
	runCtx := appctx.SetCorrelationId(context.WithoutCancel(ctx), uuid.NewString())
	result, runErr := svc.RunFullRefresh(runCtx, sheetsync.FullRefreshOptions{
		Mode:        refreshMode,
		DryRun:      *dryRun,
		TriggeredBy: models.SyncTriggeredCLI,
	})

	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "refresh failed: %v\n", runErr)
		os.Exit(1)
	}
}
