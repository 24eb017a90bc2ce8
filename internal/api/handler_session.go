package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rvm-session-backend/internal/coordinator"
	"rvm-session-backend/internal/model"
	"rvm-session-backend/internal/store"
)

type activateRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type machineView struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

// Activate handles POST /api/machines/:code/activate.
func (h *Handler) Activate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.coord.Activate(c.Request.Context(), c.Param("code"), req.UserID)
	if err != nil {
		h.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": res.SessionID,
		"machine": machineView{
			Code:        res.Machine.Code,
			DisplayName: res.Machine.DisplayName,
			Online:      res.Machine.Online,
		},
		"started_at": res.StartedAt.Format(time.RFC3339),
	})
}

type endSessionRequest struct {
	ReportedItemCount *int64 `json:"reported_item_count"`
}

// EndSession handles POST /api/machines/:code/end.
func (h *Handler) EndSession(c *gin.Context) {
	var req endSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reported := int64(-1) // -1 means the client did not report a count
	if req.ReportedItemCount != nil {
		reported = *req.ReportedItemCount
	}

	res, err := h.coord.EndSession(c.Request.Context(), c.Param("code"), reported)
	if err != nil {
		h.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reward_points": res.RewardPoints,
		"new_balance":   res.NewBalance,
		"ended_at":      res.EndedAt.Format(time.RFC3339),
	})
}

// GetSnapshot handles GET /api/machines/:code/session, the re-fetch point for
// reconnecting realtime clients.
func (h *Handler) GetSnapshot(c *gin.Context) {
	snap, err := h.coord.Snapshot(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.sessionError(c, err)
		return
	}

	body := gin.H{
		"open":          snap.Open,
		"item_count":    snap.ItemCount,
		"reward_points": snap.RewardPoints,
	}
	if snap.SessionID != "" {
		body["session_id"] = snap.SessionID
	}
	if snap.CloseReason != "" {
		body["close_reason"] = snap.CloseReason
	}
	c.JSON(http.StatusOK, body)
}

// GetBalance handles GET /api/users/:user_id/balance.
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.store.Balance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// sessionError maps coordination errors to HTTP responses.
func (h *Handler) sessionError(c *gin.Context, err error) {
	var locked *store.MachineLockedError
	switch {
	case errors.As(err, &locked):
		c.JSON(http.StatusConflict, gin.H{"error": "machine_locked", "held_by": locked.HeldBy})
	case errors.Is(err, store.ErrMachineNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "machine_not_found"})
	case errors.Is(err, store.ErrNoOpenSession):
		c.JSON(http.StatusConflict, gin.H{"error": "no_open_session"})
	case errors.Is(err, coordinator.ErrTransportUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transport_unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ListSessions handles GET /api/machines/:code/sessions, the audit history of
// closed sessions for one machine.
func (h *Handler) ListSessions(c *gin.Context) {
	if _, err := h.store.GetMachine(c.Request.Context(), c.Param("code")); err != nil {
		h.sessionError(c, err)
		return
	}

	var sessions []model.Session
	if err := h.store.DB().WithContext(c.Request.Context()).
		Where("machine_code = ?", c.Param("code")).
		Order("opened_at DESC").
		Limit(100).
		Find(&sessions).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}
