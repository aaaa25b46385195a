package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStateStartsAsFollower(t *testing.T) {
	s := NewState("node-a")
	snap := s.Snapshot()
	require.Equal(t, Follower, snap.Role)
	require.Equal(t, uint64(0), snap.Term)
}

func TestObservedAdvancesTermAndResetsVote(t *testing.T) {
	s := NewState("node-a")
	s.SetTerm(3)
	require.NoError(t, s.GrantVote(3, "node-b"))

	require.True(t, s.Observed(5, ""))
	snap := s.Snapshot()
	require.Equal(t, uint64(5), snap.Term)
	require.Empty(t, snap.Vote)
}

func TestObservedRejectsStaleTerm(t *testing.T) {
	s := NewState("node-a")
	s.SetTerm(5)
	require.False(t, s.Observed(3, "node-b"))
	require.Equal(t, uint64(5), s.Snapshot().Term)
}

func TestObservedPanicsOnConflictingLeader(t *testing.T) {
	s := NewState("node-a")
	s.SetTerm(1)
	require.True(t, s.Observed(1, "node-b"))
	require.Panics(t, func() { s.Observed(1, "node-c") })
}

func TestBecomeCandidateThenAscend(t *testing.T) {
	s := NewState("node-a")
	s.SetTerm(1)
	require.NoError(t, s.BecomeCandidate(1))
	require.Equal(t, Candidate, s.Snapshot().Role)

	require.NoError(t, s.Ascend(1))
	snap := s.Snapshot()
	require.Equal(t, Leader, snap.Role)
	require.Equal(t, "node-a", snap.Leader)
}

func TestBecomeCandidateRefusedIfLeaderAlreadyKnown(t *testing.T) {
	s := NewState("node-a")
	s.SetTerm(1)
	require.True(t, s.Observed(1, "node-b"))
	require.Error(t, s.BecomeCandidate(1))
}

func TestGrantVoteRefusesSecondCandidate(t *testing.T) {
	s := NewState("node-a")
	s.SetTerm(2)
	require.NoError(t, s.GrantVote(2, "node-b"))
	require.Error(t, s.GrantVote(2, "node-c"))
	require.NoError(t, s.GrantVote(2, "node-b"))
}

func TestStepDownClearsLeaderButKeepsTerm(t *testing.T) {
	s := NewState("node-a")
	s.SetTerm(4)
	require.NoError(t, s.BecomeCandidate(4))
	require.NoError(t, s.Ascend(4))
	s.StepDown()
	snap := s.Snapshot()
	require.Equal(t, Follower, snap.Role)
	require.Equal(t, uint64(4), snap.Term)
	require.Empty(t, snap.Leader)
}

func TestShutdownIsTerminal(t *testing.T) {
	s := NewState("node-a")
	s.Shutdown()
	s.StepDown()
	require.Equal(t, Shutdown, s.Snapshot().Role)
}
