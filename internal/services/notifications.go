package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationType identifies the kind of event a notification reports.
type NotificationType string

const (
	NotificationTypeBotStarted     NotificationType = "BOT_STARTED"
	NotificationTypeBotStopped     NotificationType = "BOT_STOPPED"
	NotificationTypeBotError       NotificationType = "BOT_ERROR"
	NotificationTypePositionOpened NotificationType = "POSITION_OPENED"
	NotificationTypeTradeCompleted NotificationType = "TRADE_COMPLETED"
	NotificationTypeBalanceUpdate  NotificationType = "BALANCE_UPDATE"
	NotificationTypeBrokerAlert    NotificationType = "BROKER_ALERT"
	NotificationTypeLivenessAlert  NotificationType = "LIVENESS_ALERT"
)

// NotificationPriority orders notifications for channel routing.
type NotificationPriority string

const (
	PriorityCritical NotificationPriority = "critical"
	PriorityHigh     NotificationPriority = "high"
	PriorityNormal   NotificationPriority = "normal"
)

// Notification is a rendered, structured message ready for delivery.
type Notification struct {
	ID        string               `json:"id"`
	Type      NotificationType     `json:"type"`
	Priority  NotificationPriority `json:"priority"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// NewNotification builds a notification with a fresh ID and timestamp.
func NewNotification(typ NotificationType, priority NotificationPriority, title, message string) *Notification {
	return &Notification{
		ID:        fmt.Sprintf("%s-%s", strings.ToLower(string(typ)), uuid.New().String()),
		Type:      typ,
		Priority:  priority,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Notifier delivers a notification; this is the narrow interface the core
// calls on its external collaborator.
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
}

// NotificationChannel is a named, toggleable delivery target.
type NotificationChannel interface {
	Notifier
	Name() string
	IsEnabled() bool
}

// ChannelRegistry fans a notification out to every enabled channel.
// Delivery is at-most-once: failures are logged and never retried here.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels []NotificationChannel
	logger   *zap.Logger
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry(logger *zap.Logger) *ChannelRegistry {
	return &ChannelRegistry{logger: logger}
}

// Register adds a channel to the registry.
func (r *ChannelRegistry) Register(channel NotificationChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channel)
	r.logger.Info("registered notification channel", zap.String("channel", channel.Name()))
}

// Send delivers a notification to all enabled channels. It returns an
// error only when every channel fails.
func (r *ChannelRegistry) Send(ctx context.Context, notification *Notification) error {
	r.mu.RLock()
	channels := make([]NotificationChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		if ch.IsEnabled() {
			channels = append(channels, ch)
		}
	}
	r.mu.RUnlock()

	if len(channels) == 0 {
		return fmt.Errorf("no enabled notification channels")
	}

	var failures []string
	for _, ch := range channels {
		if err := ch.Send(ctx, notification); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", ch.Name(), err))
			r.logger.Error("notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("notification_id", notification.ID),
				zap.Error(err))
		}
	}

	if len(failures) == len(channels) {
		return fmt.Errorf("all channels failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

// TelegramChannelConfig holds Telegram bot API settings.
type TelegramChannelConfig struct {
	BotToken string
	ChatID   string
	BaseURL  string // overridable for tests; defaults to the bot API
	Enabled  bool
}

// TelegramChannel sends notifications via the Telegram bot API.
type TelegramChannel struct {
	config TelegramChannelConfig
	client *http.Client
	logger *zap.Logger
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(config TelegramChannelConfig, logger *zap.Logger) *TelegramChannel {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.telegram.org"
	}
	return &TelegramChannel{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With(zap.String("channel", "telegram")),
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) IsEnabled() bool {
	return c.config.Enabled && c.config.BotToken != "" && c.config.ChatID != ""
}

// Send posts the notification as a Markdown message to the configured chat.
func (c *TelegramChannel) Send(ctx context.Context, notification *Notification) error {
	if !c.IsEnabled() {
		return fmt.Errorf("telegram channel not enabled")
	}

	var text strings.Builder
	text.WriteString("*" + notification.Title + "*\n")
	text.WriteString(notification.Message)
	if len(notification.Metadata) > 0 {
		text.WriteString("\n")
		for k, v := range notification.Metadata {
			text.WriteString(fmt.Sprintf("\n_%s_: %s", k, v))
		}
	}

	payload := map[string]any{
		"chat_id":    c.config.ChatID,
		"text":       text.String(),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.config.BaseURL, c.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	c.logger.Debug("sent notification", zap.String("notification_id", notification.ID))
	return nil
}

// WebhookChannelConfig holds generic webhook settings.
type WebhookChannelConfig struct {
	URL     string
	Headers map[string]string
	Enabled bool
}

// WebhookChannel posts the raw notification JSON to a configured URL.
type WebhookChannel struct {
	config WebhookChannelConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(config WebhookChannelConfig, logger *zap.Logger) *WebhookChannel {
	return &WebhookChannel{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With(zap.String("channel", "webhook")),
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) IsEnabled() bool {
	return c.config.Enabled && c.config.URL != ""
}

// Send posts the notification to the webhook URL.
func (c *WebhookChannel) Send(ctx context.Context, notification *Notification) error {
	if !c.IsEnabled() {
		return fmt.Errorf("webhook channel not enabled")
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	c.logger.Debug("sent notification", zap.String("notification_id", notification.ID))
	return nil
}
