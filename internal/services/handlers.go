package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/polyspike/relay/internal/broker"
)

// sendTimeout bounds a single notification delivery attempt.
const sendTimeout = 15 * time.Second

// EventHandlers turns routed bot events into notifications and cached
// snapshots. All collaborators are injected; the handlers own no
// process-wide state.
type EventHandlers struct {
	notifier   Notifier
	snapshots  *SnapshotCache
	seenTrades *SeenIDSet
	heartbeat  *HeartbeatMonitor
	tasks      *TaskTracker
	logger     *zap.Logger
}

// NewEventHandlers wires the handler set.
func NewEventHandlers(notifier Notifier, snapshots *SnapshotCache, seenTrades *SeenIDSet, heartbeat *HeartbeatMonitor, tasks *TaskTracker, logger *zap.Logger) *EventHandlers {
	return &EventHandlers{
		notifier:   notifier,
		snapshots:  snapshots,
		seenTrades: seenTrades,
		heartbeat:  heartbeat,
		tasks:      tasks,
		logger:     logger.With(zap.String("component", "event_handlers")),
	}
}

// RegisterAll subscribes every handler on the router under the topic
// prefix.
func (h *EventHandlers) RegisterAll(router *broker.Router, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")
	register := func(suffix string, handler broker.Handler) {
		router.RegisterHandler(prefix+"/"+suffix, handler)
	}

	register("status/bot/started", h.HandleBotStarted)
	register("status/bot/stopped", h.HandleBotStopped)
	register("status/bot/error", h.HandleBotError)
	register("status/bot/heartbeat", h.HandleHeartbeat)
	register("trading/position/opened", h.HandlePositionOpened)
	register("trading/trade/completed", h.HandleTradeCompleted)
	register("balance/update", h.HandleBalanceUpdate)
	register("stats/session", h.HandleSessionStats)
}

// HandleBotStarted announces a fresh trading session.
func (h *EventHandlers) HandleBotStarted(event broker.Event) {
	sessionID, _ := stringField(event.Fields, "session_id")

	var lines []string
	if cfg, ok := mapField(event.Fields, "config"); ok {
		if v, ok := floatField(cfg, "initial_balance"); ok {
			lines = append(lines, "Initial balance: "+money(v)+" USDC")
		}
		if v, ok := floatField(cfg, "spike_threshold"); ok {
			lines = append(lines, "Spike threshold: "+percent(v))
		}
		if v, ok := floatField(cfg, "position_size"); ok {
			lines = append(lines, "Position size: "+money(v)+" USDC")
		}
		if v, ok := floatField(cfg, "monitored_markets"); ok {
			lines = append(lines, fmt.Sprintf("Monitored markets: %d", int(v)))
		}
	} else {
		h.logger.Warn("bot started event missing config", zap.String("topic", event.Topic))
	}

	n := NewNotification(NotificationTypeBotStarted, PriorityNormal,
		"Bot Started", strings.Join(lines, "\n"))
	if sessionID != "" {
		n.Metadata = map[string]string{"session_id": sessionID}
	}
	h.dispatch("bot_started", n)
}

// HandleBotStopped announces the end of a session with its final stats.
func (h *EventHandlers) HandleBotStopped(event broker.Event) {
	sessionID, _ := stringField(event.Fields, "session_id")

	var lines []string
	if stats, ok := mapField(event.Fields, "final_stats"); ok {
		if v, ok := floatField(stats, "total_pnl"); ok {
			lines = append(lines, "Total PnL: "+money(v)+" USDC")
		}
		if v, ok := floatField(stats, "total_trades"); ok {
			lines = append(lines, fmt.Sprintf("Total trades: %d", int(v)))
		}
		if v, ok := floatField(stats, "win_rate"); ok {
			lines = append(lines, "Win rate: "+percent(v))
		}
	} else {
		h.logger.Warn("bot stopped event missing final_stats", zap.String("topic", event.Topic))
	}

	n := NewNotification(NotificationTypeBotStopped, PriorityNormal,
		"Bot Stopped", strings.Join(lines, "\n"))
	if sessionID != "" {
		n.Metadata = map[string]string{"session_id": sessionID}
	}
	h.dispatch("bot_stopped", n)
}

// HandleBotError relays a bot-side error with its severity.
func (h *EventHandlers) HandleBotError(event broker.Event) {
	errType, _ := stringField(event.Fields, "error_type")
	if errType == "" {
		errType = "unknown"
	}
	// Older bot builds publish "message" instead of "error_message".
	msg, ok := stringField(event.Fields, "error_message")
	if !ok {
		msg, _ = stringField(event.Fields, "message")
	}
	if msg == "" {
		h.logger.Warn("bot error event missing message", zap.String("topic", event.Topic))
		msg = "(no message)"
	}

	severity, _ := stringField(event.Fields, "severity")
	priority := PriorityHigh
	if severity == "critical" {
		priority = PriorityCritical
	}

	n := NewNotification(NotificationTypeBotError, priority,
		"Bot Error: "+errType, msg)
	n.Metadata = map[string]string{"severity": severity}
	h.dispatch("bot_error", n)
}

// HandleHeartbeat forwards heartbeats to the liveness monitor. Heartbeats
// never produce a notification themselves.
func (h *EventHandlers) HandleHeartbeat(event broker.Event) {
	h.heartbeat.Update(event.Fields)
}

// HandlePositionOpened announces a newly opened position.
func (h *EventHandlers) HandlePositionOpened(event broker.Event) {
	market, ok := stringField(event.Fields, "market_name")
	if !ok {
		h.logger.Warn("position opened event missing market_name", zap.String("topic", event.Topic))
		market = "unknown market"
	}

	var lines []string
	if v, ok := floatField(event.Fields, "entry_price"); ok {
		lines = append(lines, "Entry price: "+money(v))
	}
	if v, ok := floatField(event.Fields, "position_size"); ok {
		lines = append(lines, "Size: "+money(v)+" USDC")
	}
	if reason, ok := stringField(event.Fields, "reason"); ok {
		lines = append(lines, "Reason: "+reason)
	}
	if v, ok := floatField(event.Fields, "spike_magnitude"); ok {
		lines = append(lines, "Spike: "+percent(v))
	}

	n := NewNotification(NotificationTypePositionOpened, PriorityNormal,
		"Position Opened: "+market, strings.Join(lines, "\n"))
	h.dispatch("position_opened", n)
}

// HandleTradeCompleted announces a completed trade, deduplicating on
// trade_id. Events without a trade_id are treated as always novel.
func (h *EventHandlers) HandleTradeCompleted(event broker.Event) {
	if tradeID, ok := stringField(event.Fields, "trade_id"); ok {
		if h.seenTrades.Seen(tradeID) {
			h.logger.Info("skipping duplicate trade", zap.String("trade_id", tradeID))
			return
		}
	} else {
		h.logger.Warn("trade completed event missing trade_id, cannot deduplicate",
			zap.String("topic", event.Topic))
	}

	market, _ := stringField(event.Fields, "market_name")
	if market == "" {
		market = "unknown market"
	}

	var lines []string
	if v, ok := floatField(event.Fields, "entry_price"); ok {
		lines = append(lines, "Entry: "+money(v))
	}
	if v, ok := floatField(event.Fields, "exit_price"); ok {
		lines = append(lines, "Exit: "+money(v))
	}
	pnl, hasPnl := floatField(event.Fields, "pnl")
	if hasPnl {
		line := "PnL: " + money(pnl) + " USDC"
		if pct, ok := floatField(event.Fields, "pnl_pct"); ok {
			line += " (" + percent(pct) + ")"
		}
		lines = append(lines, line)
	}
	if v, ok := floatField(event.Fields, "duration_seconds"); ok {
		lines = append(lines, "Duration: "+(time.Duration(v)*time.Second).String())
	}
	if reason, ok := stringField(event.Fields, "reason"); ok {
		lines = append(lines, "Reason: "+reason)
	}

	title := "Trade Completed: " + market
	if hasPnl && pnl < 0 {
		title = "Trade Closed at Loss: " + market
	}

	n := NewNotification(NotificationTypeTradeCompleted, PriorityNormal,
		title, strings.Join(lines, "\n"))
	h.dispatch("trade_completed", n)
}

// HandleBalanceUpdate caches the latest balance snapshot and notifies.
func (h *EventHandlers) HandleBalanceUpdate(event broker.Event) {
	h.snapshots.SetBalance(event.Fields)

	var lines []string
	if v, ok := floatField(event.Fields, "balance"); ok {
		lines = append(lines, "Balance: "+money(v)+" USDC")
	} else {
		h.logger.Warn("balance update event missing balance", zap.String("topic", event.Topic))
	}
	if v, ok := floatField(event.Fields, "equity"); ok {
		lines = append(lines, "Equity: "+money(v)+" USDC")
	}
	if v, ok := floatField(event.Fields, "available_balance"); ok {
		lines = append(lines, "Available: "+money(v)+" USDC")
	}
	if v, ok := floatField(event.Fields, "locked_in_positions"); ok {
		lines = append(lines, "In positions: "+money(v)+" USDC")
	}
	if v, ok := floatField(event.Fields, "unrealized_pnl"); ok {
		lines = append(lines, "Unrealized PnL: "+money(v)+" USDC")
	}
	if v, ok := floatField(event.Fields, "total_pnl"); ok {
		lines = append(lines, "Total PnL: "+money(v)+" USDC")
	}

	n := NewNotification(NotificationTypeBalanceUpdate, PriorityNormal,
		"Balance Update", strings.Join(lines, "\n"))
	if reason, ok := stringField(event.Fields, "update_reason"); ok {
		n.Metadata = map[string]string{"update_reason": reason}
	}
	h.dispatch("balance_update", n)
}

// HandleSessionStats caches session statistics for the query surface.
// Stats are queried on demand, never pushed to chat.
func (h *EventHandlers) HandleSessionStats(event broker.Event) {
	h.snapshots.SetSessionStats(event.Fields)
	h.logger.Debug("cached session stats", zap.String("topic", event.Topic))
}

// dispatch hands the notification to the task tracker so broker dispatch
// never blocks on chat I/O.
func (h *EventHandlers) dispatch(name string, n *Notification) {
	err := h.tasks.Go("notify:"+name, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := h.notifier.Send(ctx, n); err != nil {
			h.logger.Error("notification delivery failed",
				zap.String("handler", name),
				zap.String("notification_id", n.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		h.logger.Warn("dropping notification, shutting down",
			zap.String("handler", name),
			zap.String("notification_id", n.ID))
	}
}

// money renders a monetary amount with two decimal places.
func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// percent renders a ratio-or-percent payload value as a percentage. Bot
// payloads express rates as fractions when below 1.
func percent(v float64) string {
	if v <= 1 {
		v *= 100
	}
	return decimal.NewFromFloat(v).StringFixed(1) + "%"
}
