package api

import (
	"net/http"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polyspike/relay/internal/broker"
	"github.com/polyspike/relay/internal/services"
)

// BrokerStatus is the subset of router state the API reports.
type BrokerStatus interface {
	IsConnected() bool
	Stats() broker.Stats
}

// Deps carries everything the route handlers read. All state is owned
// elsewhere; the API is a read-only view.
type Deps struct {
	Heartbeat *services.HeartbeatMonitor
	Snapshots *services.SnapshotCache
	Broker    BrokerStatus
	StartedAt time.Time
	Version   string
	Logger    *zap.Logger
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	BrokerConnected  bool       `json:"broker_connected"`
	BotOnline        bool       `json:"bot_online"`
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
	MessagesReceived int64      `json:"messages_received"`
	MessagesDropped  int64      `json:"messages_dropped"`
	MessageErrors    int64      `json:"message_errors"`
}

// SetupRoutes registers the status surface on the router. The relay has
// no mutating endpoints; everything here is a snapshot read.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Version:   deps.Version,
			Uptime:    time.Since(deps.StartedAt).Round(time.Second).String(),
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			stats := deps.Broker.Stats()
			resp := StatusResponse{
				BrokerConnected:  deps.Broker.IsConnected(),
				BotOnline:        deps.Heartbeat.IsOnline(),
				MessagesReceived: stats.Received,
				MessagesDropped:  stats.Dropped,
				MessageErrors:    stats.Errors,
			}
			if last, ok := deps.Heartbeat.LastHeartbeatTime(); ok {
				resp.LastHeartbeat = &last
			}
			c.JSON(http.StatusOK, resp)
		})

		v1.GET("/balance", func(c *gin.Context) {
			balance, ok := deps.Snapshots.LastBalance()
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "no balance update received yet"})
				return
			}
			c.JSON(http.StatusOK, balance)
		})

		v1.GET("/stats", func(c *gin.Context) {
			stats, ok := deps.Snapshots.LastSessionStats()
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "no session stats received yet"})
				return
			}
			c.JSON(http.StatusOK, stats)
		})
	}
}
