package raft

import (
	"math/rand"
	"sync"
	"time"
)

// Timeouts bundles the three durations that govern election timing and
// replication heartbeats, mirroring the original RaftTimeouts (low, high,
// heartbeat interval).
type Timeouts struct {
	Low       time.Duration
	High      time.Duration
	Heartbeat time.Duration
}

// DefaultTimeouts are sane values for a LAN deployment.
func DefaultTimeouts() Timeouts {
	return Timeouts{Low: 3 * time.Second, High: 6 * time.Second, Heartbeat: time.Second}
}

// TimeoutStatus is the result of checking the heartbeat tracker.
type TimeoutStatus int

const (
	TimeoutNo TimeoutStatus = iota
	TimeoutYes
	TimeoutArtificial
)

// HeartbeatTracker holds the last valid heartbeat time and the currently
// drawn random timeout.
type HeartbeatTracker struct {
	mu sync.Mutex

	timeouts      Timeouts
	lastHeartbeat time.Time
	randomTimeout time.Duration
	artificial    bool

	rng *rand.Rand
}

// NewHeartbeatTracker constructs a tracker and draws its first random
// timeout.
func NewHeartbeatTracker(timeouts Timeouts) *HeartbeatTracker {
	h := &HeartbeatTracker{
		timeouts:      timeouts,
		lastHeartbeat: time.Now(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	h.randomTimeout = h.drawTimeout()
	return h
}

func (h *HeartbeatTracker) drawTimeout() time.Duration {
	low, high := h.timeouts.Low, h.timeouts.High
	if high <= low {
		return low
	}
	span := high - low
	return low + time.Duration(h.rng.Int63n(int64(span)))
}

// RefreshRandomTimeout redraws the random timeout. The director calls it
// each time an election timeout fires, before running for leader.
func (h *HeartbeatTracker) RefreshRandomTimeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.randomTimeout = h.drawTimeout()
	return h.randomTimeout
}

// Heartbeat records now as the last valid heartbeat time.
func (h *HeartbeatTracker) Heartbeat(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHeartbeat = now
	h.artificial = false
}

// LastHeartbeat returns the last recorded heartbeat time.
func (h *HeartbeatTracker) LastHeartbeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHeartbeat
}

// GetRandomTimeout returns the currently drawn random timeout.
func (h *HeartbeatTracker) GetRandomTimeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.randomTimeout
}

// TriggerTimeout arms a one-shot artificial timeout: the next call to
// Timeout returns TimeoutArtificial regardless of elapsed time, then
// clears itself.
func (h *HeartbeatTracker) TriggerTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.artificial = true
}

// Timeout compares now - lastHeartbeat against the random timeout.
func (h *HeartbeatTracker) Timeout(now time.Time) TimeoutStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.artificial {
		h.artificial = false
		return TimeoutArtificial
	}
	if now.Sub(h.lastHeartbeat) >= h.randomTimeout {
		return TimeoutYes
	}
	return TimeoutNo
}

// Timeouts returns the configured timeout bundle.
func (h *HeartbeatTracker) Timeouts() Timeouts {
	return h.timeouts
}
