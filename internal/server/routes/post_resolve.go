package routes

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pressgraph/backend/internal/queue"
	"github.com/pressgraph/backend/internal/server/middleware"
	"github.com/pressgraph/backend/pkg/logger"
)

// TriggerResolveHandler enqueues a resolution batch over the pending
// documents. The worker deduplicates concurrent runs via the pipeline
// lease, so triggering twice is harmless.
func TriggerResolveHandler(c echo.Context) error {
	type triggerResponse struct {
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	}

	app := c.(*middleware.AppContext).App

	requestID := uuid.NewString()
	msg := queue.ResolveJobMsg{
		Message:   "Resolve pending documents",
		RequestID: requestID,
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal resolve message", "err", err)
		return c.JSON(http.StatusInternalServerError, triggerResponse{
			Message: "Internal server error",
		})
	}

	if err := queue.PublishFIFO(app.Queue, queue.ResolveQueue, msgBytes); err != nil {
		logger.Error("Failed to enqueue resolve job", "err", err)
		return c.JSON(http.StatusInternalServerError, triggerResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusAccepted, triggerResponse{
		Message:   "Resolution batch queued",
		RequestID: requestID,
	})
}
