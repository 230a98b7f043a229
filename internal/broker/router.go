// Package broker owns the MQTT connection lifecycle and routes inbound
// trading-bot events to registered handlers.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"
)

const (
	connectTimeout         = 10 * time.Second
	retryBaseDelay         = 1 * time.Second
	retryMaxDelay          = 60 * time.Second
	retryPollInterval      = 5 * time.Second
	downtimeAlertThreshold = 300 * time.Second
	staleMessageWindow     = 300 * time.Second
)

// connectReasons maps CONNACK return codes to human-readable descriptions.
var connectReasons = map[byte]string{
	1: "connection refused - incorrect protocol version",
	2: "connection refused - invalid client identifier",
	3: "connection refused - server unavailable",
	4: "connection refused - bad username or password",
	5: "connection refused - not authorized",
}

// disconnectReasons extends the CONNACK table with broker-side drop codes.
var disconnectReasons = map[byte]string{
	1: "incorrect protocol version",
	2: "invalid client identifier",
	3: "server unavailable",
	4: "bad username or password",
	5: "not authorized",
	7: "connection lost",
}

// Event is a parsed inbound message handed to handlers.
type Event struct {
	Topic      string
	ReceivedAt time.Time
	Fields     map[string]any
}

// Timestamp returns the payload's epoch-seconds timestamp field.
func (e Event) Timestamp() (float64, bool) {
	return floatField(e.Fields, "timestamp")
}

// Handler consumes a dispatched event. Handlers run on the transport
// goroutine and must hand slow work off instead of blocking dispatch.
type Handler func(event Event)

// AlertFunc is invoked at most once per downtime episode when the broker
// has been unreachable longer than the alert threshold.
type AlertFunc func(message string, downtime time.Duration)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Config holds the broker connection settings.
type Config struct {
	BrokerHost  string
	BrokerPort  int
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
}

// mqttClient is the subset of the paho client the router depends on.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	IsConnected() bool
}

// Router owns the MQTT connection, reconnect state machine, staleness and
// rate filtering, and topic-pattern dispatch to registered handlers.
type Router struct {
	cfg    Config
	logger *zap.Logger
	rate   *RateMonitor

	client mqttClient

	mu             sync.Mutex
	subs           []subscription
	nextSubID      uint64
	connected      bool
	disconnectedAt time.Time
	retryCount     int
	alertSent      bool
	alertCallback  AlertFunc
	retryStarted   bool

	startupTime time.Time
	now         func() time.Time

	stopOnce  sync.Once
	stopCh    chan struct{}
	retryDone chan struct{}

	received atomic.Int64
	dropped  atomic.Int64
	errCount atomic.Int64
}

// NewRouter creates a router. The broker connection is not opened until
// Connect is called.
func NewRouter(cfg Config, rate *RateMonitor, logger *zap.Logger) *Router {
	now := time.Now()
	return &Router{
		cfg:         cfg,
		logger:      logger,
		rate:        rate,
		startupTime: now,
		now:         time.Now,
		stopCh:      make(chan struct{}),
		retryDone:   make(chan struct{}),
	}
}

// RegisterHandler appends a handler for a topic pattern and returns a
// registration ID for UnregisterHandler. Handlers fire in registration
// order; every matching handler runs for every message.
func (r *Router) RegisterHandler(pattern string, handler Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSubID++
	r.subs = append(r.subs, subscription{id: r.nextSubID, pattern: pattern, handler: handler})
	r.logger.Info("registered handler", zap.String("pattern", pattern))
	return r.nextSubID
}

// UnregisterHandler removes a registration by ID; unknown IDs are a no-op.
func (r *Router) UnregisterHandler(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			r.logger.Info("unregistered handler", zap.String("pattern", sub.pattern))
			return
		}
	}
}

// Patterns returns the registered topic patterns in registration order.
func (r *Router) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	patterns := make([]string, len(r.subs))
	for i, sub := range r.subs {
		patterns[i] = sub.pattern
	}
	return patterns
}

// SetAlertCallback registers the downtime alert callback.
func (r *Router) SetAlertCallback(fn AlertFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alertCallback = fn
}

// IsConnected reports whether the broker connection is currently up.
func (r *Router) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Stats is a snapshot of dispatch counters.
type Stats struct {
	Received int64 `json:"received"`
	Dropped  int64 `json:"dropped"`
	Errors   int64 `json:"errors"`
	Handlers int   `json:"handlers"`
}

// Stats returns dispatch counters for the status surface.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	handlers := len(r.subs)
	r.mu.Unlock()
	return Stats{
		Received: r.received.Load(),
		Dropped:  r.dropped.Load(),
		Errors:   r.errCount.Load(),
		Handlers: handlers,
	}
}

// Connect opens the broker connection with a bounded timeout and starts
// the background retry loop. A connect failure is returned to the caller
// but is recoverable: the retry loop keeps attempting reconnection until
// Disconnect is called.
func (r *Router) Connect() error {
	if r.client == nil {
		r.client = mqtt.NewClient(r.clientOptions())
	}

	r.mu.Lock()
	if !r.retryStarted {
		r.retryStarted = true
		go r.retryLoop()
	}
	r.mu.Unlock()

	token := r.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection timeout to %s:%d", r.cfg.BrokerHost, r.cfg.BrokerPort)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %s", connectReason(err))
	}
	r.logger.Info("MQTT client started")
	return nil
}

// Disconnect signals shutdown, stops the retry loop, unsubscribes, and
// closes the transport. Safe to call multiple times.
func (r *Router) Disconnect() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})

	r.mu.Lock()
	started := r.retryStarted
	r.mu.Unlock()
	if started {
		<-r.retryDone
	}

	if r.client != nil {
		r.client.Unsubscribe(r.subscriptionTopic()).WaitTimeout(2 * time.Second)
		r.client.Disconnect(250)
	}

	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.logger.Info("MQTT client disconnected")
}

func (r *Router) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", r.cfg.BrokerHost, r.cfg.BrokerPort)).
		SetClientID(r.cfg.ClientID).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOnConnectHandler(r.onConnect).
		SetConnectionLostHandler(r.onConnectionLost)
	if r.cfg.Username != "" {
		opts.SetUsername(r.cfg.Username).SetPassword(r.cfg.Password)
	}
	return opts
}

func (r *Router) subscriptionTopic() string {
	return r.cfg.TopicPrefix + "#"
}

func (r *Router) onConnect(client mqtt.Client) {
	topic := r.subscriptionTopic()
	token := client.Subscribe(topic, 1, r.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		r.logger.Error("subscribe timed out", zap.String("topic", topic))
	} else if err := token.Error(); err != nil {
		r.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
	}
	r.markConnected()
}

func (r *Router) onConnectionLost(_ mqtt.Client, err error) {
	r.markDisconnected(err)
}

// markConnected resets the reconnect bookkeeping after a successful
// (re)connection and logs whether this was a fresh connect or a recovery.
func (r *Router) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.disconnectedAt.IsZero() {
		downtime := r.now().Sub(r.disconnectedAt)
		r.logger.Info("reconnected to MQTT broker",
			zap.Float64("downtime_seconds", downtime.Seconds()))
	} else {
		r.logger.Info("connected to MQTT broker")
	}

	r.connected = true
	r.retryCount = 0
	r.disconnectedAt = time.Time{}
	r.alertSent = false
}

// markDisconnected records the start of a downtime episode. Only the first
// disconnect in an episode sets disconnectedAt.
func (r *Router) markDisconnected(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connected = false
	if r.disconnectedAt.IsZero() {
		r.disconnectedAt = r.now()
	}

	if err == nil {
		r.logger.Info("disconnected from MQTT broker (clean disconnect)")
		return
	}
	r.logger.Warn("disconnected from MQTT broker unexpectedly",
		zap.String("reason", disconnectReason(err)))
}

func (r *Router) onMessage(_ mqtt.Client, msg mqtt.Message) {
	r.handleMessage(msg.Topic(), msg.Payload())
}

// handleMessage runs the inbound pipeline: decode, staleness filter, rate
// check, then dispatch to every matching handler in registration order.
// Decode failures and handler panics are contained here; nothing escapes
// to the transport.
func (r *Router) handleMessage(topic string, payload []byte) {
	r.received.Add(1)

	if !utf8.Valid(payload) {
		r.errCount.Add(1)
		r.logger.Error("payload is not valid UTF-8", zap.String("topic", topic))
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		r.errCount.Add(1)
		r.logger.Error("JSON decode error", zap.String("topic", topic), zap.Error(err))
		return
	}

	if ts, ok := floatField(fields, "timestamp"); !ok {
		r.logger.Warn("payload missing timestamp field", zap.String("topic", topic))
	} else if ts <= float64(r.startupTime.Add(-staleMessageWindow).Unix()) {
		r.logger.Debug("ignoring old retained message", zap.String("topic", topic))
		r.dropped.Add(1)
		return
	}

	r.rate.RecordAndCheck(topic)

	event := Event{Topic: topic, ReceivedAt: r.now(), Fields: fields}

	r.mu.Lock()
	subs := make([]subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	matched := 0
	for _, sub := range subs {
		if !MatchTopic(topic, sub.pattern) {
			continue
		}
		matched++
		r.invoke(sub, event)
	}

	if matched == 0 {
		r.logger.Debug("no handler matched", zap.String("topic", topic))
	}
}

func (r *Router) invoke(sub subscription, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.errCount.Add(1)
			r.logger.Error("handler panicked",
				zap.String("pattern", sub.pattern),
				zap.String("topic", event.Topic),
				zap.Any("panic", rec))
		}
	}()
	sub.handler(event)
}

// retryLoop reconnects with exponential backoff while disconnected and
// fires the downtime alert once per episode past the threshold.
func (r *Router) retryLoop() {
	defer close(r.retryDone)

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.mu.Lock()
		connected := r.connected
		retryCount := r.retryCount
		disconnectedAt := r.disconnectedAt
		alertSent := r.alertSent
		alertCallback := r.alertCallback
		r.mu.Unlock()

		if !connected {
			if !disconnectedAt.IsZero() && !alertSent && alertCallback != nil {
				downtime := r.now().Sub(disconnectedAt)
				if downtime >= downtimeAlertThreshold {
					r.logger.Warn("broker down past alert threshold",
						zap.Float64("downtime_seconds", downtime.Seconds()))
					alertCallback(fmt.Sprintf("MQTT broker unreachable for %.0fs", downtime.Seconds()), downtime)
					r.mu.Lock()
					r.alertSent = true
					r.mu.Unlock()
				}
			}

			delay := backoffDelay(retryCount)
			r.logger.Info("retrying broker connection",
				zap.Duration("delay", delay),
				zap.Int("attempt", retryCount+1))
			if !r.sleep(delay) {
				return
			}

			token := r.client.Connect()
			if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
				r.mu.Lock()
				r.retryCount++
				attempts := r.retryCount
				r.mu.Unlock()
				r.logger.Error("reconnection attempt failed",
					zap.Int("attempt", attempts),
					zap.String("reason", connectReason(token.Error())))
			}
			// A successful connect resets state via the connect callback.
		}

		if !r.sleep(retryPollInterval) {
			return
		}
	}
}

// sleep waits for d or until shutdown; it returns false when stopping.
func (r *Router) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stopCh:
		return false
	}
}

func backoffDelay(retryCount int) time.Duration {
	shift := retryCount
	if shift > 6 {
		shift = 6
	}
	delay := retryBaseDelay << uint(shift)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// connectReason maps a paho connect error to the CONNACK reason table.
func connectReason(err error) string {
	if err == nil {
		return "connection timeout"
	}
	for code, known := range packets.ConnErrors {
		if known != nil && errors.Is(err, known) {
			if msg, ok := connectReasons[code]; ok {
				return fmt.Sprintf("%s (code %d)", msg, code)
			}
		}
	}
	return err.Error()
}

// disconnectReason maps a connection-lost error to the disconnect table.
func disconnectReason(err error) string {
	for code, known := range packets.ConnErrors {
		if known != nil && errors.Is(err, known) {
			if msg, ok := disconnectReasons[code]; ok {
				return fmt.Sprintf("%s (code %d)", msg, code)
			}
		}
	}
	return err.Error()
}

func floatField(fields map[string]any, key string) (float64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
