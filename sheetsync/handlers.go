package sheetsync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/budget_sync/appctx"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"bitbucket.org/mmdatafocus/budget_sync/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RegisterRoutes mounts the sheet sync API under rg.
func RegisterRoutes(rg *gin.RouterGroup, svc *Service, sched SchedulerControl) {
	rg.GET("/status", StatusHandler(svc))
	rg.POST("/incremental", TriggerIncrementalHandler(svc))
	rg.POST("/full-refresh", TriggerFullRefreshHandler(svc))
	rg.GET("/config", GetConfigHandler(svc))
	rg.PUT("/config", UpdateConfigHandler(svc))
	rg.GET("/runs", SyncHistoryHandler(svc))
	rg.GET("/runs/:id", SyncRunDetailHandler(svc))
	if sched != nil {
		rg.POST("/scheduler/start", SchedulerStartHandler(sched))
		rg.POST("/scheduler/stop", SchedulerStopHandler(sched))
		rg.POST("/scheduler/restart", SchedulerRestartHandler(sched))
		rg.GET("/scheduler/health", SchedulerHealthHandler(sched))
	}
}

// runContext detaches a run from the request: a pass is not cancellable mid-transaction.
func runContext(c *gin.Context, triggeredBy string) context.Context {
	ctx := context.WithoutCancel(c.Request.Context())
	correlationId := strings.TrimSpace(c.GetHeader("X-Correlation-Id"))
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	ctx = appctx.SetCorrelationId(ctx, correlationId)
	return appctx.SetTriggeredBy(ctx, triggeredBy)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrConfigSingletonViolation):
		return http.StatusConflict
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrConnectivity):
		return http.StatusBadGateway
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSchema):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	if errors.Is(err, models.ErrConfigSingletonViolation) {
		body["code"] = models.ConfigSingletonViolationCode
	}
	return body
}

func StatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.GetSyncState())
	}
}

func TriggerIncrementalHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := runContext(c, models.SyncTriggeredManual)
		var (
			result *IncrementalResult
			err    error
		)
		if strings.EqualFold(c.Query("quotaSafe"), "true") {
			result, err = svc.RunIncrementalSyncQuotaSafe(ctx)
		} else {
			result, err = svc.RunIncrementalSync(ctx)
		}
		if err != nil {
			if result == nil {
				c.JSON(errorStatus(err), errorBody(err))
				return
			}
			c.JSON(errorStatus(err), result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func TriggerFullRefreshHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var opts FullRefreshOptions
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&opts); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if opts.Mode != "" && opts.Mode != ModeFullRefresh && opts.Mode != ModeUpsertStage {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be full_refresh or upsert_stage"})
			return
		}
		opts.TriggeredBy = models.SyncTriggeredManual

		result, err := svc.RunFullRefresh(runContext(c, models.SyncTriggeredManual), opts)
		if err != nil {
			if result == nil {
				c.JSON(errorStatus(err), errorBody(err))
				return
			}
			c.JSON(errorStatus(err), result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func GetConfigHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := models.GetActiveSyncConfig(c.Request.Context(), svc.DB())
		if err != nil {
			c.JSON(errorStatus(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

func UpdateConfigHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.UpdateSyncConfigInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		cfg, err := models.UpdateSyncConfig(c.Request.Context(), svc.DB(), input)
		if err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
				return
			}
			c.JSON(errorStatus(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

func SyncHistoryHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		runs, err := models.ListSyncRuns(c.Request.Context(), svc.DB(), strings.TrimSpace(c.Query("kind")), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func SyncRunDetailHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := models.GetSyncRun(c.Request.Context(), svc.DB(), c.Param("id"))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func SchedulerStartHandler(sched SchedulerControl) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := sched.Start(context.WithoutCancel(c.Request.Context())); err != nil {
			c.JSON(errorStatus(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, sched.Health())
	}
}

func SchedulerStopHandler(sched SchedulerControl) gin.HandlerFunc {
	return func(c *gin.Context) {
		sched.Stop()
		c.JSON(http.StatusOK, sched.Health())
	}
}

func SchedulerRestartHandler(sched SchedulerControl) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := sched.Restart(context.WithoutCancel(c.Request.Context())); err != nil {
			c.JSON(errorStatus(err), errorBody(err))
			return
		}
		c.JSON(http.StatusOK, sched.Health())
	}
}

func SchedulerHealthHandler(sched SchedulerControl) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, sched.Health())
	}
}
