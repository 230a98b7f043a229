// Command relay bridges a trading bot's MQTT event stream to chat
// notification channels and exposes a small status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polyspike/relay/internal/api"
	"github.com/polyspike/relay/internal/broker"
	"github.com/polyspike/relay/internal/config"
	"github.com/polyspike/relay/internal/logging"
	"github.com/polyspike/relay/internal/observability"
	"github.com/polyspike/relay/internal/services"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := observability.InitSentry(cfg.Sentry, version, cfg.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "sentry init failed, continuing without it: %v\n", err)
	}
	defer observability.Flush(2 * time.Second)

	std := logging.NewStandardLogger(cfg.LogLevel, cfg.Environment, cfg.LogFilePath)
	defer std.Sync()
	logger := std.WithService("relay")

	logger.Info("starting polyspike relay",
		zap.String("version", version),
		zap.String("broker", fmt.Sprintf("%s:%d", cfg.MQTT.BrokerHost, cfg.MQTT.BrokerPort)),
		zap.String("topic_prefix", cfg.MQTT.TopicPrefix))

	// Notification channels.
	registry := services.NewChannelRegistry(logger)
	if cfg.Telegram.Enabled {
		registry.Register(services.NewTelegramChannel(services.TelegramChannelConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Enabled:  true,
		}, logger))
	}
	if cfg.Webhook.Enabled {
		registry.Register(services.NewWebhookChannel(services.WebhookChannelConfig{
			URL:     cfg.Webhook.URL,
			Enabled: true,
		}, logger))
	}

	// Core state, all explicitly owned and injected.
	tracker := services.NewTaskTracker(context.Background(), logger)
	snapshots := services.NewSnapshotCache()
	seenTrades := services.NewSeenIDSet(services.DefaultSeenIDCapacity)
	heartbeat := services.NewHeartbeatMonitor(
		time.Duration(cfg.Monitor.HeartbeatTimeoutSeconds)*time.Second,
		time.Duration(cfg.Monitor.HeartbeatCheckInterval)*time.Second,
		registry, logger)

	rate := broker.NewRateMonitor(logger)
	router := broker.NewRouter(broker.Config{
		BrokerHost:  cfg.MQTT.BrokerHost,
		BrokerPort:  cfg.MQTT.BrokerPort,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
	}, rate, logger)

	router.SetAlertCallback(func(message string, downtime time.Duration) {
		n := services.NewNotification(services.NotificationTypeBrokerAlert,
			services.PriorityCritical, "Broker Connection Lost", message)
		alertErr := tracker.Go("notify:broker_alert", func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := registry.Send(ctx, n); err != nil {
				logger.Error("failed to send broker alert", zap.Error(err))
			}
		})
		if alertErr != nil {
			logger.Warn("dropping broker alert during shutdown")
		}
	})

	handlers := services.NewEventHandlers(registry, snapshots, seenTrades, heartbeat, tracker, logger)
	handlers.RegisterAll(router, cfg.MQTT.TopicPrefix)

	// Initial connect failure is recoverable: the retry loop keeps trying.
	if err := router.Connect(); err != nil {
		logger.Warn("initial broker connect failed, retrying in background", zap.Error(err))
	}
	heartbeat.Start()

	// Status API.
	var server *http.Server
	if cfg.Server.Enabled {
		if cfg.Environment == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		engine := gin.New()
		engine.Use(gin.Recovery())
		api.SetupRoutes(engine, api.Deps{
			Heartbeat: heartbeat,
			Snapshots: snapshots,
			Broker:    router,
			StartedAt: time.Now(),
			Version:   version,
			Logger:    logger,
		})

		server = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: engine,
		}
		go func() {
			logger.Info("status API listening", zap.Int("port", cfg.Server.Port))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status API server failed", zap.Error(err))
			}
		}()
	}

	// Block until a shutdown signal arrives.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("status API shutdown failed", zap.Error(err))
		}
	}

	router.Disconnect()
	heartbeat.Stop()
	if err := tracker.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("background tasks did not drain cleanly", zap.Error(err))
	}

	logger.Info("relay stopped")
	return nil
}
