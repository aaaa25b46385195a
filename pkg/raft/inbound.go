package raft

import "time"

// HandleVoteRequest is the recipient side of a RequestVote/PreVote RPC,
// called by the dispatcher when a RAFT_REQUEST_VOTE arrives from a peer.
//
// Pre-vote is read-only by design (spec.md §4.3: "does not increment
// term, recipients do not persist vote") -- it must never go through
// State.Observed, which would bump this node's in-memory term and wipe
// its recollection of the current leader merely because some peer is
// hypothesising about an election. A node that did that would then
// reject its real leader's next heartbeat as stale. So pre-vote reads a
// plain snapshot and additionally refuses whenever a leader is already
// recognised for the current term, per spec.md §4.3 phase 1. Only a
// binding vote call (Phase == PhaseVote) is allowed to observe the
// candidate's term and persist anything.
func (d *Director) HandleVoteRequest(req VoteRequest) (VoteResponse, error) {
	if req.Phase == PhasePreVote {
		return d.handlePreVote(req), nil
	}

	accepted := d.state.Observed(req.Term, "")
	snap := d.state.Snapshot()
	if !accepted {
		return VoteResponse{Term: snap.Term, Kind: VoteRefused}, nil
	}

	voterLastIndex, voterLastTerm, err := d.journal.LastIndexAndTerm()
	if err != nil {
		return VoteResponse{}, err
	}
	voterCommitIndex := d.journal.GetCommitIndex()
	voterCommitTerm, err := d.journal.TermOf(voterCommitIndex)
	if err != nil {
		voterCommitTerm = 0
	}

	kind := DecideVote(req, snap.Term, snap.Vote, voterLastIndex, voterLastTerm, voterCommitIndex, voterCommitTerm, false)

	if kind == VoteGranted {
		if err := d.journal.SetTerm(req.Term); err != nil {
			return VoteResponse{}, err
		}
		if err := d.journal.VoteFor(req.Term, req.CandidateID); err != nil {
			return VoteResponse{}, err
		}
		if err := d.state.GrantVote(req.Term, req.CandidateID); err != nil {
			return VoteResponse{}, err
		}
		d.heartbeat.Heartbeat(time.Now())
	}

	return VoteResponse{Term: req.Term, Kind: kind}, nil
}

func (d *Director) handlePreVote(req VoteRequest) VoteResponse {
	snap := d.state.Snapshot()

	if req.Term < snap.Term {
		return VoteResponse{Term: snap.Term, Kind: VoteRefused}
	}
	if snap.Leader != "" {
		return VoteResponse{Term: snap.Term, Kind: VoteRefused}
	}

	voterLastIndex, voterLastTerm, err := d.journal.LastIndexAndTerm()
	if err != nil {
		return VoteResponse{Term: snap.Term, Kind: VoteRefused}
	}
	voterCommitIndex := d.journal.GetCommitIndex()
	voterCommitTerm, err := d.journal.TermOf(voterCommitIndex)
	if err != nil {
		voterCommitTerm = 0
	}

	kind := DecideVote(req, snap.Term, "", voterLastIndex, voterLastTerm, voterCommitIndex, voterCommitTerm, false)
	return VoteResponse{Term: snap.Term, Kind: kind}
}

// HandleAppendEntries is the recipient side of AppendEntries: the log
// matching property check, conflict truncation and commit-index
// advancement a follower performs on every leader contact (including
// bare heartbeat probes with no entries attached).
func (d *Director) HandleAppendEntries(req AppendEntriesRequest) (AppendEntriesResponse, error) {
	accepted := d.state.Observed(req.Term, req.LeaderID)
	if !accepted {
		return AppendEntriesResponse{Term: d.state.Snapshot().Term, Outcome: false, LogSize: d.journal.LogSize()}, nil
	}
	d.heartbeat.Heartbeat(time.Now())

	logSize := d.journal.LogSize()
	if req.PrevIndex > 0 {
		if req.PrevIndex >= logSize {
			return AppendEntriesResponse{Term: req.Term, Outcome: false, LogSize: logSize}, nil
		}
		prevTerm, err := d.journal.TermOf(req.PrevIndex)
		if err != nil || prevTerm != req.PrevTerm {
			return AppendEntriesResponse{Term: req.Term, Outcome: false, LogSize: logSize}, nil
		}
	}

	for _, e := range req.Entries {
		if e.Index < d.journal.LogSize() {
			existingTerm, err := d.journal.TermOf(e.Index)
			if err == nil && existingTerm == e.Term {
				continue
			}
			if err := d.journal.RemoveEntries(e.Index); err != nil {
				return AppendEntriesResponse{}, err
			}
		}
		if err := d.journal.Append(e.Index, e.Term, e.Request); err != nil {
			return AppendEntriesResponse{Term: req.Term, Outcome: false, LogSize: d.journal.LogSize()}, nil
		}
	}

	if req.CommitIndex > d.journal.GetCommitIndex() {
		newCommit := req.CommitIndex
		if size := d.journal.LogSize(); size > 0 && newCommit > size-1 {
			newCommit = size - 1
		}
		if newCommit > d.journal.GetCommitIndex() {
			if err := d.journal.SetCommitIndex(newCommit); err != nil {
				return AppendEntriesResponse{}, err
			}
		}
	}

	return AppendEntriesResponse{Term: req.Term, Outcome: true, LogSize: d.journal.LogSize()}, nil
}
