package raft

import (
	"sync"
	"time"
)

// Lease tracks the last-contact time per follower and tells the leader
// whether its lease to serve linearizable reads without a fresh quorum
// round-trip is still valid.
type Lease struct {
	mu sync.Mutex

	tk      *Timekeeper
	timeout time.Duration
	quorum  int

	lastContact map[string]time.Time
}

// NewLease constructs a Lease using tk for timestamps, a validity window of
// timeoutLow (contact within the last timeout_low interval counts) and the
// given quorum size.
func NewLease(tk *Timekeeper, timeoutLow time.Duration, quorum int) *Lease {
	return &Lease{
		tk:          tk,
		timeout:     timeoutLow,
		quorum:      quorum,
		lastContact: make(map[string]time.Time),
	}
}

// UpdateQuorum changes the quorum size, e.g. after a membership change.
func (l *Lease) UpdateQuorum(quorum int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quorum = quorum
}

// Heartbeat records a successful contact with node at time t. Observer
// contacts are not tracked: §4.5 requires acknowledgements from a quorum
// of full members, and observers never count toward quorum.
func (l *Lease) Heartbeat(node string, isObserver bool, t time.Time) {
	if isObserver {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastContact[node] = t
}

// Reset clears all tracked contacts, e.g. on ascension to leader.
func (l *Lease) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastContact = make(map[string]time.Time)
}

// Valid reports whether the leader has heard from a quorum of full members
// (counting itself) within the last timeout window.
func (l *Lease) Valid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.tk.Now()
	count := 1 // the leader always counts itself
	for _, t := range l.lastContact {
		if now.Sub(t) <= l.timeout {
			count++
		}
	}
	return count >= l.quorum
}

// LatestExpiry returns the point in time after which this leader's lease is
// guaranteed to have expired even without further observation -- used by
// Timekeeper.Synchronize when the next leader wants a clean slate.
func (l *Lease) LatestExpiry() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tk.Now().Add(l.timeout)
}
