package erpsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
)

const runQueueHandlerName = "invoice-sync-run"

// PublishQueuedRun hands a created run to the Pub/Sub push worker.
func PublishQueuedRun(ctx context.Context, topicName string, runId uint) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	payload := RunQueuePayload{RunId: runId}
	data, _ := json.Marshal(payload)
	res := client.Topic(topicName).Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler drives queued runs from Pub/Sub push deliveries. The
// durable idempotency key makes at-least-once delivery safe; an in-progress
// duplicate answers 500 so Pub/Sub redelivers later.
func PubSubPushHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var payload RunQueuePayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if payload.RunId == 0 {
			c.Status(http.StatusNoContent)
			return
		}

		db := config.GetDB()
		if db == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}

		skip, err := BeginIdempotency(db, runQueueHandlerName, envelope.Message.ID)
		if err == ErrIdempotencyInProgress {
			c.Status(http.StatusInternalServerError)
			return
		}
		if err != nil || skip {
			c.Status(http.StatusNoContent)
			return
		}

		if runErr := svc.ExecuteQueuedRun(c.Request.Context(), payload.RunId); runErr != nil {
			_ = MarkIdempotencyFailed(db, runQueueHandlerName, envelope.Message.ID, runErr)
		} else {
			_ = MarkIdempotencySucceeded(db, runQueueHandlerName, envelope.Message.ID)
		}
		c.Status(http.StatusNoContent)
	}
}
