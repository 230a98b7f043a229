package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/polyspike/relay/internal/broker"
)

type handlerFixture struct {
	handlers  *EventHandlers
	notifier  *captureNotifier
	snapshots *SnapshotCache
	tracker   *TaskTracker
	heartbeat *HeartbeatMonitor
	logs      *observer.ObservedLogs
}

// drain waits for queued notification sends to finish.
func (f *handlerFixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.tracker.Shutdown(time.Second))
}

func setupHandlers(t *testing.T) *handlerFixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	notifier := &captureNotifier{}
	snapshots := NewSnapshotCache()
	seen := NewSeenIDSet(DefaultSeenIDCapacity)
	heartbeat := NewHeartbeatMonitor(90*time.Second, 30*time.Second, notifier, logger)
	tracker := NewTaskTracker(context.Background(), logger)

	return &handlerFixture{
		handlers:  NewEventHandlers(notifier, snapshots, seen, heartbeat, tracker, logger),
		notifier:  notifier,
		snapshots: snapshots,
		tracker:   tracker,
		heartbeat: heartbeat,
		logs:      logs,
	}
}

func event(topic string, fields map[string]any) broker.Event {
	return broker.Event{Topic: topic, ReceivedAt: time.Now(), Fields: fields}
}

func TestHandleBotStarted_RendersConfig(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandleBotStarted(event("polyspike/status/bot/started", map[string]any{
		"session_id": "sess-1",
		"config": map[string]any{
			"initial_balance":   500.0,
			"spike_threshold":   0.05,
			"position_size":     25.0,
			"monitored_markets": 12.0,
		},
	}))
	f.drain(t)

	require.Equal(t, 1, f.notifier.count())
	n := f.notifier.sent[0]
	assert.Equal(t, NotificationTypeBotStarted, n.Type)
	assert.Contains(t, n.Message, "500.00 USDC")
	assert.Contains(t, n.Message, "5.0%")
	assert.Contains(t, n.Message, "Monitored markets: 12")
	assert.Equal(t, "sess-1", n.Metadata["session_id"])
}

func TestHandleBotStarted_MissingConfigWarnsButSends(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandleBotStarted(event("polyspike/status/bot/started", map[string]any{}))
	f.drain(t)

	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, 1, f.logs.FilterMessage("bot started event missing config").Len())
}

func TestHandleBotStopped_RendersFinalStats(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandleBotStopped(event("polyspike/status/bot/stopped", map[string]any{
		"session_id": "sess-1",
		"final_stats": map[string]any{
			"total_pnl":    -12.5,
			"total_trades": 8.0,
			"win_rate":     0.25,
		},
	}))
	f.drain(t)

	require.Equal(t, 1, f.notifier.count())
	n := f.notifier.sent[0]
	assert.Equal(t, NotificationTypeBotStopped, n.Type)
	assert.Contains(t, n.Message, "-12.50 USDC")
	assert.Contains(t, n.Message, "Total trades: 8")
	assert.Contains(t, n.Message, "25.0%")
}

func TestHandleBotError_SeverityMapsToPriority(t *testing.T) {
	tests := []struct {
		severity string
		want     NotificationPriority
	}{
		{"critical", PriorityCritical},
		{"error", PriorityHigh},
		{"warning", PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			f := setupHandlers(t)
			f.handlers.HandleBotError(event("polyspike/status/bot/error", map[string]any{
				"error_type":    "order_rejected",
				"error_message": "insufficient funds",
				"severity":      tt.severity,
			}))
			f.drain(t)

			require.Equal(t, 1, f.notifier.count())
			assert.Equal(t, tt.want, f.notifier.sent[0].Priority)
			assert.Contains(t, f.notifier.sent[0].Title, "order_rejected")
		})
	}
}

func TestHandleBotError_LegacyMessageField(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandleBotError(event("polyspike/status/bot/error", map[string]any{
		"message": "old payload shape",
	}))
	f.drain(t)

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "old payload shape", f.notifier.sent[0].Message)
}

func TestHandleHeartbeat_UpdatesMonitorWithoutNotifying(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandleHeartbeat(event("polyspike/status/bot/heartbeat", map[string]any{
		"uptime_seconds": 120.0,
	}))
	f.drain(t)

	assert.True(t, f.heartbeat.IsOnline())
	assert.Zero(t, f.notifier.count())
}

func TestHandlePositionOpened(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandlePositionOpened(event("polyspike/trading/position/opened", map[string]any{
		"market_name":     "Will it rain tomorrow?",
		"entry_price":     0.42,
		"position_size":   25.0,
		"reason":          "spike detected",
		"spike_magnitude": 0.08,
	}))
	f.drain(t)

	require.Equal(t, 1, f.notifier.count())
	n := f.notifier.sent[0]
	assert.Contains(t, n.Title, "Will it rain tomorrow?")
	assert.Contains(t, n.Message, "0.42")
	assert.Contains(t, n.Message, "spike detected")
	assert.Contains(t, n.Message, "8.0%")
}

func TestHandleTradeCompleted_DeduplicatesByTradeID(t *testing.T) {
	f := setupHandlers(t)
	fields := map[string]any{
		"trade_id":    "t-1",
		"market_name": "Market A",
		"pnl":         3.21,
	}

	f.handlers.HandleTradeCompleted(event("polyspike/trading/trade/completed", fields))
	f.handlers.HandleTradeCompleted(event("polyspike/trading/trade/completed", fields))
	f.drain(t)

	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, 1, f.logs.FilterMessage("skipping duplicate trade").Len())
}

func TestHandleTradeCompleted_MissingTradeIDAlwaysNovel(t *testing.T) {
	f := setupHandlers(t)
	fields := map[string]any{"market_name": "Market A", "pnl": 1.0}

	f.handlers.HandleTradeCompleted(event("polyspike/trading/trade/completed", fields))
	f.handlers.HandleTradeCompleted(event("polyspike/trading/trade/completed", fields))
	f.drain(t)

	assert.Equal(t, 2, f.notifier.count())
	assert.Equal(t, 2, f.logs.FilterMessage("trade completed event missing trade_id, cannot deduplicate").Len())
}

func TestHandleTradeCompleted_LossTitle(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandleTradeCompleted(event("polyspike/trading/trade/completed", map[string]any{
		"trade_id":         "t-2",
		"market_name":      "Market B",
		"pnl":              -4.5,
		"pnl_pct":          -0.18,
		"duration_seconds": 90.0,
	}))
	f.drain(t)

	require.Equal(t, 1, f.notifier.count())
	n := f.notifier.sent[0]
	assert.Contains(t, n.Title, "Trade Closed at Loss")
	assert.Contains(t, n.Message, "-4.50 USDC")
	assert.Contains(t, n.Message, "1m30s")
}

func TestHandleBalanceUpdate_CachesAndNotifies(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandleBalanceUpdate(event("polyspike/balance/update", map[string]any{
		"balance":       100.5,
		"equity":        102.0,
		"update_reason": "trade_settled",
	}))
	f.drain(t)

	require.Equal(t, 1, f.notifier.count())
	assert.Contains(t, f.notifier.sent[0].Message, "100.50 USDC")
	assert.Equal(t, "trade_settled", f.notifier.sent[0].Metadata["update_reason"])

	cached, ok := f.snapshots.LastBalance()
	require.True(t, ok)
	assert.Equal(t, 100.5, cached["balance"])
}

func TestHandleSessionStats_CachesWithoutNotifying(t *testing.T) {
	f := setupHandlers(t)

	f.handlers.HandleSessionStats(event("polyspike/stats/session", map[string]any{
		"session_id": "sess-1",
		"total_pnl":  5.0,
	}))
	f.drain(t)

	assert.Zero(t, f.notifier.count())
	cached, ok := f.snapshots.LastSessionStats()
	require.True(t, ok)
	assert.Equal(t, "sess-1", cached["session_id"])
}

func TestRegisterAll_SubscribesEveryTopic(t *testing.T) {
	f := setupHandlers(t)
	router := broker.NewRouter(broker.Config{BrokerHost: "localhost", BrokerPort: 1883, TopicPrefix: "polyspike"},
		broker.NewRateMonitor(zap.NewNop()), zap.NewNop())

	f.handlers.RegisterAll(router, "polyspike/")

	patterns := router.Patterns()
	assert.Len(t, patterns, 8)
	assert.Contains(t, patterns, "polyspike/status/bot/heartbeat")
	assert.Contains(t, patterns, "polyspike/trading/trade/completed")
}

func TestDispatch_AfterShutdownDropsQuietly(t *testing.T) {
	f := setupHandlers(t)
	require.NoError(t, f.tracker.Shutdown(time.Second))

	f.handlers.HandleBotStarted(event("polyspike/status/bot/started", map[string]any{}))

	assert.Zero(t, f.notifier.count())
	assert.Equal(t, 1, f.logs.FilterMessage("dropping notification, shutting down").Len())
}
