package sheetsync

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PubSubPushEnvelope is the body Pub/Sub push subscriptions deliver.
type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageId  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncTriggerPayload asks for a run. Kind is incremental, full_refresh or upsert_stage.
type SyncTriggerPayload struct {
	Kind      string `json:"kind"`
	DryRun    bool   `json:"dryRun"`
	QuotaSafe bool   `json:"quotaSafe"`
}

// PubSubPushHandler runs the requested sync and always acks: a busy or failed
// run is recorded in the run log, and redelivery would only stack runs.
func PubSubPushHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_SHEET_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}
		var payload SyncTriggerPayload
		if len(envelope.Message.Data) > 0 {
			if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
				c.Status(204)
				return
			}
		}

		ctx := runContext(c, models.SyncTriggeredPubSub)
		logger := svc.logger.WithFields(logrus.Fields{
			"field":      "SheetSyncPubSub",
			"message_id": envelope.Message.MessageId,
			"kind":       payload.Kind,
		})

		switch payload.Kind {
		case "", models.SyncKindIncremental:
			if payload.QuotaSafe {
				_, err = svc.RunIncrementalSyncQuotaSafe(ctx)
			} else {
				_, err = svc.RunIncrementalSync(ctx)
			}
		case models.SyncKindFullRefresh, models.SyncKindUpsertStage:
			_, err = svc.RunFullRefresh(ctx, FullRefreshOptions{
				Mode:        RefreshMode(payload.Kind),
				DryRun:      payload.DryRun,
				TriggeredBy: models.SyncTriggeredPubSub,
			})
		default:
			logger.Warn("unknown sync kind in push message")
			c.Status(204)
			return
		}
		if err != nil {
			config.LogError(svc.logger, "sheetsync", "PubSubPushHandler", "push-triggered run failed", envelope.Message.MessageId, err)
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	return val == "1" || val == "true" || val == "yes" || val == "y"
}
