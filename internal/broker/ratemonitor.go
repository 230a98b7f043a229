package broker

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	rateWindowSize      = 100
	rateWindow          = 60 * time.Second
	rateThreshold       = 50
	rateWarningCooldown = 300 * time.Second
)

// defaultRateExemptions are substrings of topics expected to publish at a
// high or periodic rate; they are never rate-checked.
var defaultRateExemptions = []string{"stats/periodic", "heartbeat"}

// RateMonitor flags abnormal per-topic message rates. Its only side effect
// is a warning log; it never blocks or drops dispatch.
type RateMonitor struct {
	mu         sync.Mutex
	timestamps map[string][]time.Time
	warnings   map[string]time.Time
	exemptions []string
	logger     *zap.Logger
	now        func() time.Time
}

// NewRateMonitor creates a rate monitor with the default exemptions.
func NewRateMonitor(logger *zap.Logger) *RateMonitor {
	return &RateMonitor{
		timestamps: make(map[string][]time.Time),
		warnings:   make(map[string]time.Time),
		exemptions: defaultRateExemptions,
		logger:     logger,
		now:        time.Now,
	}
}

// RecordAndCheck registers one message on the topic and logs a warning when
// the trailing-window rate exceeds the threshold. Warnings per topic are
// debounced by the cooldown, so repeated bursts produce at most one warning
// per cooldown period.
func (m *RateMonitor) RecordAndCheck(topic string) {
	for _, exempt := range m.exemptions {
		if strings.Contains(topic, exempt) {
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	queue := append(m.timestamps[topic], now)
	if len(queue) > rateWindowSize {
		queue = queue[len(queue)-rateWindowSize:]
	}
	m.timestamps[topic] = queue

	// Count by timestamp, not queue position: the queue may still hold
	// entries older than the window once traffic slows down.
	cutoff := now.Add(-rateWindow)
	recent := 0
	for _, ts := range queue {
		if !ts.Before(cutoff) {
			recent++
		}
	}

	if recent <= rateThreshold {
		return
	}

	if last, ok := m.warnings[topic]; ok && now.Sub(last) <= rateWarningCooldown {
		return
	}

	m.logger.Warn("high message rate detected",
		zap.String("topic", topic),
		zap.Int("messages_last_60s", recent),
		zap.Int("threshold_per_min", rateThreshold),
	)
	m.warnings[topic] = now
}
