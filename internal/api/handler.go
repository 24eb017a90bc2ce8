package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"rvm-session-backend/config"
	"rvm-session-backend/internal/coordinator"
	"rvm-session-backend/internal/realtime"
	"rvm-session-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	coord    *coordinator.Coordinator
	hub      *realtime.Hub
	webpush  *webpush.Options
	realtime config.RealtimeConfig
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, coord *coordinator.Coordinator, hub *realtime.Hub, webpushOptions *webpush.Options, realtimeCfg config.RealtimeConfig) *Handler {
	return &Handler{
		store:    s,
		coord:    coord,
		hub:      hub,
		webpush:  webpushOptions,
		realtime: realtimeCfg,
	}
}
