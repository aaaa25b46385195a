package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCandidateMoreUpToDate(t *testing.T) {
	require.True(t, candidateMoreUpToDate(5, 10, 4, 999))
	require.False(t, candidateMoreUpToDate(4, 10, 5, 1))
	require.True(t, candidateMoreUpToDate(5, 10, 5, 10))
	require.True(t, candidateMoreUpToDate(5, 10, 5, 9))
	require.False(t, candidateMoreUpToDate(5, 9, 5, 10))
}

func TestDecideVoteRefusesStaleTerm(t *testing.T) {
	req := VoteRequest{Term: 3, CandidateID: "b", LastIndex: 10, LastTerm: 3}
	kind := DecideVote(req, 5, "", 10, 3, 0, 0, false)
	require.Equal(t, VoteRefused, kind)
}

func TestDecideVoteRefusesAlreadyVotedOther(t *testing.T) {
	req := VoteRequest{Term: 5, CandidateID: "b", LastIndex: 10, LastTerm: 3}
	kind := DecideVote(req, 5, "c", 10, 3, 0, 0, false)
	require.Equal(t, VoteRefused, kind)
}

func TestDecideVoteGrantsWhenUpToDate(t *testing.T) {
	req := VoteRequest{Term: 6, CandidateID: "b", LastIndex: 10, LastTerm: 5}
	kind := DecideVote(req, 5, "", 10, 5, 2, 5, false)
	require.Equal(t, VoteGranted, kind)
}

func TestDecideVoteVetoesWhenCandidateBehindCommit(t *testing.T) {
	req := VoteRequest{Term: 6, CandidateID: "b", LastIndex: 1, LastTerm: 5}
	kind := DecideVote(req, 5, "", 10, 5, 5, 5, false)
	require.Equal(t, VoteVeto, kind)
}

func TestDecideVoteVetoesWhenCandidateLastTermBelowVoterCommitTerm(t *testing.T) {
	req := VoteRequest{Term: 6, CandidateID: "b", LastIndex: 20, LastTerm: 2}
	kind := DecideVote(req, 5, "", 10, 2, 5, 4, false)
	require.Equal(t, VoteVeto, kind)
}

func TestDecideVoteVetoesWhenCandidateIndexWasTrimmedWithHigherTerm(t *testing.T) {
	req := VoteRequest{Term: 6, CandidateID: "b", LastIndex: 20, LastTerm: 5}
	kind := DecideVote(req, 5, "", 10, 5, 2, 5, true)
	require.Equal(t, VoteVeto, kind)
}

type fakeVoteTransport struct {
	responses map[string]VoteResponse
	errs      map[string]error
}

func (f *fakeVoteTransport) RequestVote(ctx context.Context, target string, req VoteRequest) (VoteResponse, error) {
	if err, ok := f.errs[target]; ok {
		return VoteResponse{}, err
	}
	return f.responses[target], nil
}

func TestRunRoundElectsOnQuorum(t *testing.T) {
	transport := &fakeVoteTransport{responses: map[string]VoteResponse{
		"b": {Kind: VoteGranted},
		"c": {Kind: VoteRefused},
	}}
	outcome := RunRound(context.Background(), transport, []string{"b", "c"}, VoteRequest{Phase: PhaseVote}, 2, time.Second)
	require.Equal(t, Elected, outcome)
}

func TestRunRoundVetoWins(t *testing.T) {
	transport := &fakeVoteTransport{responses: map[string]VoteResponse{
		"b": {Kind: VoteGranted},
		"c": {Kind: VoteVeto},
	}}
	outcome := RunRound(context.Background(), transport, []string{"b", "c"}, VoteRequest{Phase: PhaseVote}, 2, time.Second)
	require.Equal(t, Vetoed, outcome)
}

func TestRunRoundPreVoteTreatsErrorsAsYes(t *testing.T) {
	transport := &fakeVoteTransport{errs: map[string]error{"b": context.DeadlineExceeded, "c": context.DeadlineExceeded}}
	outcome := RunRound(context.Background(), transport, []string{"b", "c"}, VoteRequest{Phase: PhasePreVote}, 2, time.Second)
	require.Equal(t, Elected, outcome)
}

func TestRunRoundVoteTreatsErrorsAsNo(t *testing.T) {
	transport := &fakeVoteTransport{errs: map[string]error{"b": context.DeadlineExceeded, "c": context.DeadlineExceeded}}
	outcome := RunRound(context.Background(), transport, []string{"b", "c"}, VoteRequest{Phase: PhaseVote}, 2, time.Second)
	require.Equal(t, NotElected, outcome)
}
