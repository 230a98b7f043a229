package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []*Notification
}

func (c *captureNotifier) Send(_ context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func setupHeartbeatMonitor(t *testing.T) (*HeartbeatMonitor, *captureNotifier, *observer.ObservedLogs, *time.Time) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	notifier := &captureNotifier{}
	monitor := NewHeartbeatMonitor(90*time.Second, 30*time.Second, notifier, zap.New(core))

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	monitor.now = func() time.Time { return clock }
	return monitor, notifier, logs, &clock
}

func TestHeartbeatMonitor_NeverSeen(t *testing.T) {
	monitor, notifier, _, _ := setupHeartbeatMonitor(t)

	assert.False(t, monitor.IsOnline())
	_, ok := monitor.LastHeartbeatTime()
	assert.False(t, ok)
	_, ok = monitor.TimeSinceLastHeartbeat()
	assert.False(t, ok)

	// No heartbeat yet means nothing to alert on.
	monitor.checkOnce()
	assert.Zero(t, notifier.count())
}

func TestHeartbeatMonitor_UpdateUsesPayloadTimestamp(t *testing.T) {
	monitor, _, _, clock := setupHeartbeatMonitor(t)

	at := clock.Add(-5 * time.Second)
	monitor.Update(map[string]any{"timestamp": float64(at.Unix())})

	last, ok := monitor.LastHeartbeatTime()
	require.True(t, ok)
	assert.Equal(t, at.Unix(), last.Unix())

	since, ok := monitor.TimeSinceLastHeartbeat()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, since)
	assert.True(t, monitor.IsOnline())
}

func TestHeartbeatMonitor_UpdateWithoutTimestampUsesClock(t *testing.T) {
	monitor, _, _, clock := setupHeartbeatMonitor(t)

	monitor.Update(map[string]any{})

	last, ok := monitor.LastHeartbeatTime()
	require.True(t, ok)
	assert.Equal(t, *clock, last)
}

func TestHeartbeatMonitor_AlertsOncePerOutage(t *testing.T) {
	monitor, notifier, logs, clock := setupHeartbeatMonitor(t)

	monitor.Update(map[string]any{})

	// Just inside the timeout: still online, no alert.
	*clock = clock.Add(90 * time.Second)
	monitor.checkOnce()
	assert.True(t, monitor.IsOnline())
	assert.Zero(t, notifier.count())

	// Past the timeout: exactly one alert.
	*clock = clock.Add(time.Second)
	monitor.checkOnce()
	assert.False(t, monitor.IsOnline())
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, NotificationTypeLivenessAlert, notifier.sent[0].Type)
	assert.Equal(t, PriorityCritical, notifier.sent[0].Priority)
	assert.Equal(t, 1, logs.FilterMessage("bot heartbeat timeout").Len())

	// Outage continues: no further alerts.
	*clock = clock.Add(10 * time.Minute)
	monitor.checkOnce()
	monitor.checkOnce()
	assert.Equal(t, 1, notifier.count())
}

func TestHeartbeatMonitor_RecoveryClearsAlertAndRearms(t *testing.T) {
	monitor, notifier, logs, clock := setupHeartbeatMonitor(t)

	monitor.Update(map[string]any{})
	*clock = clock.Add(2 * time.Minute)
	monitor.checkOnce()
	require.Equal(t, 1, notifier.count())

	// Heartbeat resumes.
	monitor.Update(map[string]any{})
	assert.True(t, monitor.IsOnline())
	assert.Equal(t, 1, logs.FilterMessage("bot back online, heartbeat resumed").Len())

	// A second outage alerts again.
	*clock = clock.Add(2 * time.Minute)
	monitor.checkOnce()
	assert.Equal(t, 2, notifier.count())
}

func TestHeartbeatMonitor_StartTwiceWarns(t *testing.T) {
	monitor, _, logs, _ := setupHeartbeatMonitor(t)

	monitor.Start()
	monitor.Start()
	defer monitor.Stop()

	assert.Equal(t, 1, logs.FilterMessage("heartbeat monitor already running").Len())
}

func TestHeartbeatMonitor_StopWaitsForLoop(t *testing.T) {
	monitor, _, logs, _ := setupHeartbeatMonitor(t)

	monitor.Start()
	monitor.Stop()
	monitor.Stop()

	assert.Equal(t, 1, logs.FilterMessage("heartbeat monitor stopped").Len())
	select {
	case <-monitor.done:
	default:
		t.Fatal("loop did not exit after Stop")
	}
}

func TestHeartbeatMonitor_RestartAfterStop(t *testing.T) {
	monitor, _, logs, _ := setupHeartbeatMonitor(t)

	monitor.Start()
	monitor.Stop()

	// A stopped monitor starts cleanly again with a fresh loop.
	monitor.Start()
	assert.Zero(t, logs.FilterMessage("heartbeat monitor already running").Len())
	monitor.Stop()

	assert.Equal(t, 2, logs.FilterMessage("heartbeat monitor stopped").Len())
}

func TestHeartbeatMonitor_StopBeforeStartIsNoop(t *testing.T) {
	monitor, _, logs, _ := setupHeartbeatMonitor(t)

	monitor.Stop()
	assert.Zero(t, logs.FilterMessage("heartbeat monitor stopped").Len())
}

func TestHeartbeatMonitor_DefaultDurations(t *testing.T) {
	monitor := NewHeartbeatMonitor(0, 0, &captureNotifier{}, zap.NewNop())
	assert.Equal(t, DefaultHeartbeatTimeout, monitor.timeout)
	assert.Equal(t, DefaultHeartbeatCheckInterval, monitor.checkInterval)
}
