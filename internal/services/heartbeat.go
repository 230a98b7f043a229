package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultHeartbeatTimeout is how long the bot may stay silent before
	// it is considered offline.
	DefaultHeartbeatTimeout = 90 * time.Second

	// DefaultHeartbeatCheckInterval is how often the monitor evaluates
	// liveness.
	DefaultHeartbeatCheckInterval = 30 * time.Second
)

// HeartbeatMonitor tracks the trading bot's heartbeat messages and raises
// exactly one alert per outage when heartbeats stop arriving.
type HeartbeatMonitor struct {
	timeout       time.Duration
	checkInterval time.Duration
	notifier      Notifier
	logger        *zap.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time
	alertSent     bool
	running       bool

	// stopCh and done belong to the current loop; Start replaces them so
	// the monitor can be restarted after Stop.
	stopCh chan struct{}
	done   chan struct{}

	now func() time.Time
}

// NewHeartbeatMonitor creates a monitor. Zero durations fall back to the
// defaults.
func NewHeartbeatMonitor(timeout, checkInterval time.Duration, notifier Notifier, logger *zap.Logger) *HeartbeatMonitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if checkInterval <= 0 {
		checkInterval = DefaultHeartbeatCheckInterval
	}
	return &HeartbeatMonitor{
		timeout:       timeout,
		checkInterval: checkInterval,
		notifier:      notifier,
		logger:        logger.With(zap.String("component", "heartbeat_monitor")),
		now:           time.Now,
	}
}

// Update records a heartbeat. When the payload carries a "timestamp" field
// (seconds since epoch) that instant is used, otherwise the current time.
// The first heartbeat after an alerted outage clears the alert state and
// logs recovery.
func (m *HeartbeatMonitor) Update(fields map[string]any) {
	at := m.now()
	if ts, ok := floatField(fields, "timestamp"); ok {
		at = time.Unix(0, int64(ts*float64(time.Second)))
	}

	m.mu.Lock()
	wasAlerted := m.alertSent
	m.lastHeartbeat = at
	m.alertSent = false
	m.mu.Unlock()

	if wasAlerted {
		m.logger.Info("bot back online, heartbeat resumed")
	}
	m.logger.Debug("heartbeat received", zap.Time("at", at))
}

// Start launches the background check loop. Calling Start on an already
// running monitor logs a warning and does nothing; after Stop the monitor
// can be started again.
func (m *HeartbeatMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("heartbeat monitor already running")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	m.logger.Info("starting heartbeat monitor",
		zap.Duration("timeout", m.timeout),
		zap.Duration("check_interval", m.checkInterval))

	go m.loop(stopCh, done)
}

// Stop halts the check loop and waits for it to exit. Safe to call more
// than once.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	close(stopCh)
	<-done
	m.logger.Info("heartbeat monitor stopped")
}

func (m *HeartbeatMonitor) loop(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.checkOnce()
		}
	}
}

// checkOnce evaluates liveness a single time and alerts if the bot has
// gone quiet past the timeout. At most one alert is sent per outage.
func (m *HeartbeatMonitor) checkOnce() {
	m.mu.Lock()
	last := m.lastHeartbeat
	alerted := m.alertSent
	m.mu.Unlock()

	if last.IsZero() {
		return
	}

	elapsed := m.now().Sub(last)
	if elapsed <= m.timeout || alerted {
		return
	}

	m.mu.Lock()
	m.alertSent = true
	m.mu.Unlock()

	m.logger.Error("bot heartbeat timeout",
		zap.Duration("silence", elapsed),
		zap.Time("last_heartbeat", last))

	n := NewNotification(NotificationTypeLivenessAlert, PriorityCritical,
		"Bot Offline",
		fmt.Sprintf("No heartbeat received for %s. The trading bot may be down.", elapsed.Round(time.Second)))
	if err := m.notifier.Send(context.Background(), n); err != nil {
		m.logger.Error("failed to send liveness alert", zap.Error(err))
	}
}

// IsOnline reports whether a heartbeat has been seen within the timeout.
func (m *HeartbeatMonitor) IsOnline() bool {
	m.mu.Lock()
	last := m.lastHeartbeat
	m.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return m.now().Sub(last) <= m.timeout
}

// LastHeartbeatTime returns the instant of the most recent heartbeat, or
// false if none has been seen.
func (m *HeartbeatMonitor) LastHeartbeatTime() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastHeartbeat.IsZero() {
		return time.Time{}, false
	}
	return m.lastHeartbeat, true
}

// TimeSinceLastHeartbeat returns how long the bot has been silent, or
// false if no heartbeat has ever arrived.
func (m *HeartbeatMonitor) TimeSinceLastHeartbeat() (time.Duration, bool) {
	m.mu.Lock()
	last := m.lastHeartbeat
	m.mu.Unlock()
	if last.IsZero() {
		return 0, false
	}
	return m.now().Sub(last), true
}
