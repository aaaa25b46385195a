package raft

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// alwaysFailTransport answers every AppendEntries with an error, so a
// tracker's run loop fails every round and waits out its heartbeat
// interval (1ms in these tests) or its stop channel before retrying --
// keeping these tests fast and free of real network traffic.
type alwaysFailTransport struct{}

func (alwaysFailTransport) AppendEntries(ctx context.Context, target string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	return AppendEntriesResponse{}, context.DeadlineExceeded
}
func (alwaysFailTransport) StartResilvering(ctx context.Context, target, eventID string) error { return nil }
func (alwaysFailTransport) CopyResilveringFile(ctx context.Context, target, eventID, relativePath string, contents []byte) error {
	return nil
}
func (alwaysFailTransport) FinishResilvering(ctx context.Context, target, eventID string) error { return nil }
func (alwaysFailTransport) CancelResilvering(ctx context.Context, target, eventID, reason string) error {
	return nil
}

func newTestReplicator(ct *CommitTracker) *Replicator {
	j := newFakeReplicaJournal()
	j.logSize = 1
	state := NewState("leader")
	state.SetTerm(1)
	lease := NewLease(NewTimekeeper(), time.Second, 1)
	return NewReplicator("leader", 1, j, alwaysFailTransport{}, lease, ct, state, nil, time.Millisecond, zerolog.Nop())
}

// TestReplicatorRegistersObserversAsNonVoting is the regression test for
// the bug where ensureTracker ignored ReplicatorTarget.Observer and
// registered every target -- full member or observer -- as a voting
// match-index handle, letting observers silently count toward commit
// quorum even though spec.md §3 says they never do.
func TestReplicatorRegistersObserversAsNonVoting(t *testing.T) {
	ct := NewCommitTracker(newFakeJournalHandle(1, 1), "leader", 1)
	r := newTestReplicator(ct)

	r.Activate([]ReplicatorTarget{
		{Node: "follower", Observer: false},
		{Node: "watcher", Observer: true},
	})
	defer r.Deactivate()

	require.Eventually(t, func() bool {
		snap := ct.Snapshot()
		_, hasFollower := snap["follower"]
		_, hasWatcher := snap["watcher"]
		return hasFollower && hasWatcher
	}, time.Second, time.Millisecond, "both targets should register a match-index handle")

	ct.mu.Lock()
	followerVoter := ct.matchIndex["follower"].voter
	watcherVoter := ct.matchIndex["watcher"].voter
	ct.mu.Unlock()

	require.True(t, followerVoter, "a full member must count toward quorum")
	require.False(t, watcherVoter, "an observer must never count toward quorum")
}

func TestReplicatorSetTargetsStopsRemovedTrackers(t *testing.T) {
	ct := NewCommitTracker(newFakeJournalHandle(1, 1), "leader", 1)
	r := newTestReplicator(ct)

	r.Activate([]ReplicatorTarget{{Node: "follower"}})
	defer r.Deactivate()

	require.Eventually(t, func() bool {
		return len(r.Status()) == 1
	}, time.Second, time.Millisecond)

	r.SetTargets(nil)

	require.Eventually(t, func() bool {
		return len(r.Status()) == 0
	}, time.Second, time.Millisecond)
}
