// Package raft implements the replication and consensus subsystem: state,
// heartbeat tracking, election, commit tracking, lease, replication, the
// director role loop and the trimmer.
package raft

import (
	"fmt"
	"sync"
)

// Role is one of the four states a node can be in.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Shutdown
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is an immutable view of State at a point in time.
type Snapshot struct {
	Term                uint64
	Vote                string
	Role                Role
	Leader              string
	LeadershipMarkerIdx uint64
	Observer            bool
}

// State holds term/vote/role/leader and exposes immutable snapshots, so
// readers never hold a long-lived lock.
type State struct {
	mu sync.Mutex

	selfID string

	term                uint64
	vote                string
	role                Role
	leader              string
	leadershipMarkerIdx uint64
	isObserver          bool
}

// NewState constructs State for a node identified by selfID.
func NewState(selfID string) *State {
	return &State{selfID: selfID, role: Follower}
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		Term:                s.term,
		Vote:                s.vote,
		Role:                s.role,
		Leader:              s.leader,
		LeadershipMarkerIdx: s.leadershipMarkerIdx,
		Observer:            s.isObserver,
	}
}

// Snapshot returns the current immutable state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetObserver marks whether this node currently participates only as an
// observer (never becomes candidate/leader).
func (s *State) SetObserver(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isObserver = v
}

// SetTerm seeds the term on startup, from the journal's persisted value.
func (s *State) SetTerm(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
}

// SetVote seeds the vote on startup, from the journal's persisted value.
func (s *State) SetVote(vote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vote = vote
}

// Observed applies an observed (term, leader) pair from an incoming
// message. Returns true if the message was accepted (term was current
// or newer), false if it was stale and ignored.
func (s *State) Observed(term uint64, leader string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term < s.term {
		return false
	}
	if term > s.term {
		s.term = term
		s.vote = ""
		s.leader = ""
		s.role = Follower
	}
	if leader != "" {
		if s.leader != "" && s.leader != leader {
			panic(fmt.Sprintf("raft: two leaders observed in term %d: %q and %q", term, s.leader, leader))
		}
		s.leader = leader
	}
	return true
}

// GrantVote persists (term, candidate) as this node's vote for term.
// Idempotent if re-called with the same candidate.
func (s *State) GrantVote(term uint64, candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term != s.term {
		return fmt.Errorf("raft: grant_vote term %d does not match current term %d", term, s.term)
	}
	if s.vote != "" && s.vote != candidate {
		return fmt.Errorf("raft: already voted for %q in term %d", s.vote, term)
	}
	s.vote = candidate
	return nil
}

// BecomeCandidate transitions this node into CANDIDATE for term. Requires
// term == current term and no leader recognised at term. Full-membership
// is checked by the caller (Director), which owns the journal.
func (s *State) BecomeCandidate(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term != s.term {
		return fmt.Errorf("raft: become_candidate term %d does not match current term %d", term, s.term)
	}
	if s.leader != "" {
		return fmt.Errorf("raft: become_candidate: leader %q already recognised for term %d", s.leader, term)
	}
	s.role = Candidate
	s.vote = s.selfID
	return nil
}

// Ascend transitions CANDIDATE -> LEADER for term. Requires a prior
// BecomeCandidate(term).
func (s *State) Ascend(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term != s.term || s.role != Candidate {
		return fmt.Errorf("raft: ascend: not a candidate at term %d", term)
	}
	s.role = Leader
	s.leader = s.selfID
	return nil
}

// SetLeadershipMarkerIndex records the index of the no-op entry this
// leader appended on ascension, gating linearizable reads.
func (s *State) SetLeadershipMarkerIndex(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leadershipMarkerIdx = idx
}

// StepDown forces a transition back to FOLLOWER without changing term,
// e.g. on lease expiry or loss of quorum acknowledgement.
func (s *State) StepDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == Shutdown {
		return
	}
	s.role = Follower
	s.leader = ""
}

// Shutdown transitions to the terminal SHUTDOWN role.
func (s *State) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = Shutdown
}

// SelfID returns this node's identity.
func (s *State) SelfID() string { return s.selfID }
