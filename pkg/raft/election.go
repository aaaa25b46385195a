package raft

import (
	"context"
	"sync"
	"time"
)

// VoteKind is the outcome of a single vote-granting decision.
type VoteKind int

const (
	VoteGranted VoteKind = iota
	VoteRefused
	VoteVeto
)

// Phase distinguishes pre-vote (non-binding, term untouched) from the real
// vote round.
type Phase int

const (
	PhasePreVote Phase = iota
	PhaseVote
)

// VoteRequest is what a candidate sends to every other member.
type VoteRequest struct {
	Term         uint64
	CandidateID  string
	LastIndex    uint64
	LastTerm     uint64
	Phase        Phase
}

// VoteResponse is what a recipient replies with.
type VoteResponse struct {
	Term uint64
	Kind VoteKind
}

// VoteTransport sends a vote request to target and returns its response,
// or an error on network/parse failure.
type VoteTransport interface {
	RequestVote(ctx context.Context, target string, req VoteRequest) (VoteResponse, error)
}

// Outcome is the result of a VoteRegistry round.
type Outcome int

const (
	NotElected Outcome = iota
	Elected
	Vetoed
)

// VoteRegistry collects replies for one election round and computes the
// outcome: any VETO vetoes the whole round; otherwise a
// quorum of granted votes (including self) elects; otherwise not elected.
//
// Pre-vote treats network/parse errors as an implicit yes (so a partition
// doesn't paralyse a healthy majority); the real vote treats them as no.
type VoteRegistry struct {
	mu      sync.Mutex
	phase   Phase
	quorum  int
	granted int // includes self
	vetoed  bool
}

// NewVoteRegistry starts a round for the given phase and quorum size,
// seeded with the candidate's own vote for itself.
func NewVoteRegistry(phase Phase, quorum int) *VoteRegistry {
	return &VoteRegistry{phase: phase, quorum: quorum, granted: 1}
}

// Record folds one reply (or error) into the round.
func (r *VoteRegistry) Record(resp VoteResponse, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		if r.phase == PhasePreVote {
			r.granted++
		}
		return
	}

	switch resp.Kind {
	case VoteVeto:
		r.vetoed = true
	case VoteGranted:
		r.granted++
	}
}

// Outcome reports the round's current result.
func (r *VoteRegistry) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.vetoed {
		return Vetoed
	}
	if r.granted >= r.quorum {
		return Elected
	}
	return NotElected
}

// candidateMoreUpToDate implements the "more
// up-to-date" means higher last term, or equal last term and
// last index >= voter's last index.
func candidateMoreUpToDate(candidateLastTerm, candidateLastIndex, voterLastTerm, voterLastIndex uint64) bool {
	if candidateLastTerm != voterLastTerm {
		return candidateLastTerm > voterLastTerm
	}
	return candidateLastIndex >= voterLastIndex
}

// DecideVote implements the vote-granting rule, run by the
// *recipient* of a vote/pre-vote request. voterTerm/voterVote are read from
// State; voterLast{Index,Term} and voterCommitIndex/voterCommitTerm come
// from the Journal; candidateLastTrimmedHigherTerm reports whether the
// candidate's LastIndex has been trimmed away locally while known to have
// carried a strictly higher term (rule 4's third veto condition).
func DecideVote(
	req VoteRequest,
	voterTerm uint64,
	voterVotedFor string,
	voterLastIndex, voterLastTerm uint64,
	voterCommitIndex, voterCommitTerm uint64,
	candidateLastTrimmedHigherTerm bool,
) VoteKind {
	if req.Term < voterTerm {
		return VoteRefused
	}
	if req.Term == voterTerm && voterVotedFor != "" && voterVotedFor != req.CandidateID {
		return VoteRefused
	}
	if !candidateMoreUpToDate(req.LastTerm, req.LastIndex, voterLastTerm, voterLastIndex) {
		return VoteRefused
	}

	// Rule 4: would granting orphan a committed entry?
	if req.LastTerm < voterCommitTerm {
		return VoteVeto
	}
	if req.LastIndex < voterCommitIndex {
		return VoteVeto
	}
	if candidateLastTrimmedHigherTerm {
		return VoteVeto
	}

	return VoteGranted
}

// RunRound fans VoteRequest out to every peer concurrently with a bounded
// per-request timeout and folds the replies into a VoteRegistry.
func RunRound(ctx context.Context, transport VoteTransport, peers []string, req VoteRequest, quorum int, perRequestTimeout time.Duration) Outcome {
	registry := NewVoteRegistry(req.Phase, quorum)

	var wg sync.WaitGroup
	for _, peer := range peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, perRequestTimeout)
			defer cancel()
			resp, err := transport.RequestVote(rctx, peer, req)
			registry.Record(resp, err)
		}()
	}
	wg.Wait()

	return registry.Outcome()
}
