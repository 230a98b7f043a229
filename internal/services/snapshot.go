package services

import "sync"

// SnapshotCache retains the most recent balance and session-stats payloads
// so the query surface can answer without waiting for the next broker
// message. Reads return copies safe to hand to a renderer.
type SnapshotCache struct {
	mu           sync.RWMutex
	balance      map[string]any
	sessionStats map[string]any
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{}
}

// SetBalance stores a copy of the latest balance payload.
func (c *SnapshotCache) SetBalance(fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = copyFields(fields)
}

// LastBalance returns a copy of the latest balance payload, or false when
// no balance update has been received yet.
func (c *SnapshotCache) LastBalance() (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.balance == nil {
		return nil, false
	}
	return copyFields(c.balance), true
}

// SetSessionStats stores a copy of the latest session stats payload.
func (c *SnapshotCache) SetSessionStats(fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionStats = copyFields(fields)
}

// LastSessionStats returns a copy of the latest session stats, or false
// when none have been received.
func (c *SnapshotCache) LastSessionStats() (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionStats == nil {
		return nil, false
	}
	return copyFields(c.sessionStats), true
}

// Clear drops both snapshots.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = nil
	c.sessionStats = nil
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
