package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rvm-session-backend/internal/realtime"
)

// GetRealtimeConfig returns the reconnect policy streaming clients should
// apply when an event stream drops unexpectedly.
func (h *Handler) GetRealtimeConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backoff_base_millis": h.realtime.BackoffBaseMillis,
		"backoff_max_millis":  h.realtime.BackoffMaxMillis,
		"max_attempts":        h.realtime.MaxAttempts,
	})
}

// MachineEvents handles GET /api/machines/:code/events, the per-machine SSE
// stream. The stream closes after the session ends; a reconnecting client
// must re-fetch state through the snapshot endpoint rather than expect
// replayed messages.
func (h *Handler) MachineEvents(c *gin.Context) {
	code := c.Param("code")
	if _, err := h.store.GetMachine(c.Request.Context(), code); err != nil {
		h.sessionError(c, err)
		return
	}

	ch, cancel := h.hub.SubscribeMachine(code)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent(realtime.TypeConnected, gin.H{"machine_code": code})
	c.Writer.Flush()

	for {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Type, evt.Data)
			c.Writer.Flush()
			if evt.Type == realtime.TypeSessionEnded {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// OperatorEvents handles GET /api/operator/events, the global monitoring SSE
// stream. It stays open until the client disconnects.
func (h *Handler) OperatorEvents(c *gin.Context) {
	ch, cancel := h.hub.SubscribeOperator()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent(realtime.TypeConnected, gin.H{"scope": "operator"})
	c.Writer.Flush()

	for {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Type, evt.Data)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
