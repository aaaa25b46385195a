// Package cluster holds the membership-change admission rules the
// director applies before appending a membership-change log entry:
// deciding whether a REMOVE_MEMBER, PROMOTE_OBSERVER or ADD_OBSERVER
// request is currently safe. Grounded on the teacher's
// pkg/cluster.Manager (in-memory member map, one mutation method per
// change kind, quorum-size helper), generalised from its own member
// bookkeeping to operate on the Raft journal's Membership snapshot plus
// live match-index data instead of owning membership state itself --
// the journal remains the single source of truth for that.
package cluster

import (
	"fmt"

	"github.com/gbitzes/quarkdb-go/pkg/journal"
)

// ChangeKind identifies the family of membership change being requested.
type ChangeKind int

const (
	AddObserver ChangeKind = iota
	PromoteObserver
	RemoveMember
)

// ErrMembershipChangeInFlight is returned when a membership-change entry
// is already uncommitted: only one may be in flight at a time.
var ErrMembershipChangeInFlight = fmt.Errorf("membership update blocked, another change is already in flight")

// MatchIndices reports each node's replication progress, as the leader's
// CommitTracker/Replicator sees it.
type MatchIndices map[string]uint64

// Decide applies the admission rules for one membership-change request
// against the current membership, commit index and match indices. On
// success it returns the (full_members, observers) pair the director
// should encode into the new log entry.
func Decide(kind ChangeKind, self, node string, current journal.Membership, commitIndex uint64, match MatchIndices, hasInFlightChange bool) (fullMembers, observers []string, err error) {
	if hasInFlightChange {
		return nil, nil, ErrMembershipChangeInFlight
	}

	switch kind {
	case AddObserver:
		return current.FullMembers, appendUnique(current.Observers, node), nil

	case PromoteObserver:
		if !contains(current.Observers, node) {
			return nil, nil, fmt.Errorf("membership update blocked, %q is not a known observer", node)
		}
		if match[node] < commitIndex {
			return nil, nil, fmt.Errorf("membership update blocked, observer %q is not yet caught up to commit_index %d", node, commitIndex)
		}
		return appendUnique(current.FullMembers, node), removeOne(current.Observers, node), nil

	case RemoveMember:
		remaining := removeOne(current.FullMembers, node)
		if !quorumReachableExcluding(self, remaining, commitIndex, match) {
			return nil, nil, fmt.Errorf("membership update blocked, new cluster would not have an up-to-date quorum")
		}
		return remaining, current.Observers, nil

	default:
		return nil, nil, fmt.Errorf("unknown membership change kind %d", kind)
	}
}

// quorumReachableExcluding reports whether, among the remaining full
// members, a majority (the leader plus peers already matching
// commitIndex) could immediately reconstitute quorum without waiting on
// the removed node to come back. self is skipped in the match-index loop
// since it is already counted by the seed below; match never legitimately
// carries an entry for self (the leader registers a tracker per peer, not
// for itself), but skip it defensively rather than risk double-counting.
func quorumReachableExcluding(self string, remaining []string, commitIndex uint64, match MatchIndices) bool {
	if len(remaining) == 0 {
		return true // removing the last member is a degenerate single-node case
	}
	quorum := len(remaining)/2 + 1
	caughtUp := 1 // the leader itself always counts
	for _, node := range remaining {
		if node == self {
			continue
		}
		if match[node] >= commitIndex {
			caughtUp++
		}
	}
	return caughtUp >= quorum
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

func appendUnique(ss []string, target string) []string {
	if contains(ss, target) {
		out := make([]string, len(ss))
		copy(out, ss)
		return out
	}
	out := make([]string, len(ss), len(ss)+1)
	copy(out, ss)
	return append(out, target)
}

func removeOne(ss []string, target string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
