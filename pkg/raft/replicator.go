package raft

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReplicatorTarget describes one member a Replicator should be pushing the
// log to: a full member counts toward quorum, an observer never does but
// still needs the log to stay caught up.
type ReplicatorTarget struct {
	Node     string
	Observer bool
}

// Replicator owns one ReplicaTracker per non-self member/observer and
// keeps that set in sync with membership changes.
type Replicator struct {
	mu       sync.Mutex
	selfID   string
	term     uint64
	trackers map[string]*ReplicaTracker

	journal           ReplicaJournal
	transport         ReplicationTransport
	lease             *Lease
	commitTracker     *CommitTracker
	state             *State
	newResilverer     func(target string) *Resilverer
	heartbeatInterval time.Duration
	log               zerolog.Logger

	active bool
}

// NewReplicator constructs a Replicator bound to a fixed term and leader
// identity. Call SetTargets to populate it and Activate to start pushing.
func NewReplicator(
	selfID string,
	term uint64,
	j ReplicaJournal,
	transport ReplicationTransport,
	lease *Lease,
	commitTracker *CommitTracker,
	state *State,
	newResilverer func(target string) *Resilverer,
	heartbeatInterval time.Duration,
	log zerolog.Logger,
) *Replicator {
	return &Replicator{
		selfID:            selfID,
		term:              term,
		trackers:          make(map[string]*ReplicaTracker),
		journal:           j,
		transport:         transport,
		lease:             lease,
		commitTracker:     commitTracker,
		state:             state,
		newResilverer:     newResilverer,
		heartbeatInterval: heartbeatInterval,
		log:               log,
	}
}

// SetTargets diffs the desired target set against the trackers currently
// running: new targets get a tracker started, removed targets get theirs
// stopped and joined.
func (r *Replicator) SetTargets(targets []ReplicatorTarget) {
	r.mu.Lock()
	desired := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Node == r.selfID {
			continue
		}
		desired[t.Node] = true
	}

	var toStop []*ReplicaTracker
	for node, tracker := range r.trackers {
		if !desired[node] {
			toStop = append(toStop, tracker)
			delete(r.trackers, node)
		}
	}
	active := r.active
	r.mu.Unlock()

	for _, tracker := range toStop {
		tracker.Stop()
	}

	if !active {
		return
	}
	for _, t := range targets {
		if t.Node == r.selfID {
			continue
		}
		r.ensureTracker(t.Node, t.Observer)
	}
}

func (r *Replicator) ensureTracker(node string, observer bool) {
	r.mu.Lock()
	if _, ok := r.trackers[node]; ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	var match *MatchIndexTracker
	if observer {
		match = r.commitTracker.RegisterObserver(node)
	} else {
		match = r.commitTracker.Register(node)
	}
	var resilverer *Resilverer
	if r.newResilverer != nil {
		resilverer = r.newResilverer(node)
	}
	tracker := NewReplicaTracker(
		node, observer, r.term, r.selfID, r.journal, r.transport, r.lease, match,
		r.state, resilverer, r.heartbeatInterval, r.log,
	)

	r.mu.Lock()
	r.trackers[node] = tracker
	r.mu.Unlock()

	tracker.Start()
}

// Activate starts pushing to every target currently registered. Used once
// a node has ascended to leadership.
func (r *Replicator) Activate(targets []ReplicatorTarget) {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
	r.SetTargets(targets)
}

// Deactivate stops every running tracker, e.g. on stepping down.
func (r *Replicator) Deactivate() {
	r.mu.Lock()
	r.active = false
	trackers := make([]*ReplicaTracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		trackers = append(trackers, t)
	}
	r.trackers = make(map[string]*ReplicaTracker)
	r.mu.Unlock()

	for _, t := range trackers {
		t.Stop()
	}
}

// ReplicaStatus reports one tracker's progress, for RAFT_INFO responses.
type ReplicaStatus struct {
	Node      string
	Online    bool
	NextIndex uint64
}

// Status returns a snapshot of every tracker's progress.
func (r *Replicator) Status() []ReplicaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ReplicaStatus, 0, len(r.trackers))
	for node, t := range r.trackers {
		out = append(out, ReplicaStatus{Node: node, Online: t.Online(), NextIndex: t.NextIndex()})
	}
	return out
}
