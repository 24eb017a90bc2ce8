package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"rvm-session-backend/config"
	"rvm-session-backend/internal/coordinator"
	"rvm-session-backend/internal/mw"
	"rvm-session-backend/internal/realtime"
	"rvm-session-backend/internal/store"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(s store.Store, coord *coordinator.Coordinator, hub *realtime.Hub, webpushOptions *webpush.Options, realtimeCfg config.RealtimeConfig) *gin.Engine {
	r := gin.Default()

	db := s.DB()
	handler := NewHandler(s, coord, hub, webpushOptions, realtimeCfg)

	// Rate limit: 10 requests per second with a burst of 5
	rateLimiter := mw.RateLimiter(rate.Limit(10), 5)

	// Cache list endpoints briefly; session and event endpoints stay live.
	cacheStore := cache.New(30*time.Second, time.Minute)
	caching := mw.Cache(cacheStore, 30*time.Second)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		// Session coordination
		api.POST("/machines/:code/activate", handler.Activate)
		api.POST("/machines/:code/end", handler.EndSession)
		api.GET("/machines/:code/session", handler.GetSnapshot)
		api.GET("/machines/:code/sessions", handler.ListSessions)

		// Realtime streams
		api.GET("/machines/:code/events", handler.MachineEvents)
		api.GET("/operator/events", handler.OperatorEvents)
		api.GET("/realtime_config", caching, handler.GetRealtimeConfig)

		// Operator views
		api.GET("/machines", handler.GetMachines)
		api.GET("/sites", caching, GetSites(db))

		// Rewards
		api.GET("/users/:user_id/balance", handler.GetBalance)

		// Push subscriptions
		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
