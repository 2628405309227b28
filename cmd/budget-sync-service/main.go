package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/appctx"
	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"bitbucket.org/mmdatafocus/budget_sync/sheetsync"
	"bitbucket.org/mmdatafocus/budget_sync/utils"
	"bitbucket.org/mmdatafocus/budget_sync/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("SHEET_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen first with a router that only answers /healthz; the full router is
	// swapped in once the database is up.
	var handler atomic.Value
	handler.Store(http.Handler(bootstrapRouter()))
	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler.Load().(http.Handler).ServeHTTP(w, r)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.SkipMigrations() {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	if _, err := models.EnsureSyncConfig(sigCtx, db); err != nil {
		logger.WithFields(logrus.Fields{"field": "sync_config"}).Fatal(err)
	}

	settings := config.LoadSheetSettings()
	sheetsSvc, err := config.NewSheetsService(sigCtx, settings)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "sheets"}).Fatal(err)
	}

	opts := []sheetsync.Option{sheetsync.WithLogger(logger)}
	if config.ConnectRedisWithRetry(sigCtx, 5) {
		opts = append(opts, sheetsync.WithRunLocker(workflow.NewSyncLock(config.GetRedisLock())))
	} else if config.RedisConfigured() {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable; runs are serialized in-process only")
	}
	if config.PublishSyncEvents() {
		opts = append(opts, sheetsync.WithEventPublisher(sheetsync.PubSubPublisher()))
	}
	if config.BackupExportEnabled() {
		bucket := config.BackupBucket()
		opts = append(opts, sheetsync.WithBackupUploader(func(ctx context.Context, objectName string, data []byte) (string, error) {
			return utils.UploadBytesToGCS(ctx, bucket, objectName, utils.XlsxContentType, data)
		}))
	}

	svc := sheetsync.NewService(db, sheetsync.NewSheetsClient(sheetsSvc, settings.RateLimitPerMin), settings, opts...)
	sched := workflow.NewSyncScheduler(svc)
	if envBoolDefault("SHEET_SYNC_SCHEDULER_AUTOSTART", true) {
		if err := sched.Start(sigCtx); err != nil {
			config.LogError(logger, "main", "main", "start sync scheduler", nil, err)
		}
	}

	handler.Store(http.Handler(newRouter(logger, svc, sched)))
	logger.WithFields(logrus.Fields{"field": "server", "port": port}).Info("budget sync service ready")

	select {
	case <-sigCtx.Done():
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
		sched.Stop()
	}
}

func bootstrapRouter() *gin.Engine {
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.NoRoute(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusServiceUnavailable)
	})
	return r
}

func newRouter(logger *logrus.Logger, svc *sheetsync.Service, sched *workflow.SyncScheduler) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
			c.Request.Header.Set("x-correlation-id", cid)
		}
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length")

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	sheetsync.RegisterRoutes(r.Group("/api/sheet-sync"), svc, sched)
	r.POST("/pubsub/sheet-sync", sheetsync.PubSubPushHandler(svc))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := appctx.GetCorrelationId(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	return val == "1" || val == "true" || val == "yes" || val == "y"
}
