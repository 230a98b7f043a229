package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCache_EmptyReads(t *testing.T) {
	c := NewSnapshotCache()

	_, ok := c.LastBalance()
	assert.False(t, ok)
	_, ok = c.LastSessionStats()
	assert.False(t, ok)
}

func TestSnapshotCache_BalanceRoundTrip(t *testing.T) {
	c := NewSnapshotCache()

	c.SetBalance(map[string]any{"balance": 123.45, "update_reason": "after_trade"})

	got, ok := c.LastBalance()
	require.True(t, ok)
	assert.Equal(t, 123.45, got["balance"])
	assert.Equal(t, "after_trade", got["update_reason"])
}

func TestSnapshotCache_ReadsAreCopies(t *testing.T) {
	c := NewSnapshotCache()
	c.SetBalance(map[string]any{"balance": 100.0})

	got, _ := c.LastBalance()
	got["balance"] = -1.0

	fresh, _ := c.LastBalance()
	assert.Equal(t, 100.0, fresh["balance"])
}

func TestSnapshotCache_WriterRetainsNoReference(t *testing.T) {
	c := NewSnapshotCache()

	src := map[string]any{"total_pnl": 5.0}
	c.SetSessionStats(src)
	src["total_pnl"] = -99.0

	got, ok := c.LastSessionStats()
	require.True(t, ok)
	assert.Equal(t, 5.0, got["total_pnl"])
}

func TestSnapshotCache_Clear(t *testing.T) {
	c := NewSnapshotCache()
	c.SetBalance(map[string]any{"balance": 1.0})
	c.SetSessionStats(map[string]any{"win_rate": 0.5})

	c.Clear()

	_, ok := c.LastBalance()
	assert.False(t, ok)
	_, ok = c.LastSessionStats()
	assert.False(t, ok)
}
