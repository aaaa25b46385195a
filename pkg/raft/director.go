package raft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gbitzes/quarkdb-go/pkg/journal"
)

// DirectorJournal is the slice of Journal the director drives directly.
type DirectorJournal interface {
	ReplicaJournal
	CurrentTerm() uint64
	VotedFor() string
	SetTerm(term uint64) error
	VoteFor(term uint64, candidate string) error
	Append(index, term uint64, request [][]byte) error
	GetMembership() journal.Membership
	LastIndexAndTerm() (uint64, uint64, error)
	SetCommitIndex(idx uint64) error
	RemoveEntries(fromIndex uint64) error
}

// StateMachineApplier is the narrow view of the state machine the director
// needs to drive apply_commits: replay committed entries in order and
// report how far it has gotten. Apply returns whatever reply the command
// produces (nil for commands with no natural reply) alongside any error.
type StateMachineApplier interface {
	LastApplied() uint64
	Apply(index uint64, request [][]byte) (interface{}, error)
}

// WriteResult is what a pending client write receives once its entry
// commits and is replayed: either the state machine's reply, or an error.
type WriteResult struct {
	Reply interface{}
	Err   error
}

// PendingWrite is a write submitted by a client, waiting for its log entry
// to commit before a reply can be sent.
type PendingWrite struct {
	Index uint64
	Done  chan WriteResult
}

// Director runs the single role loop -- follower, candidate, leader,
// shutdown -- that owns State, the Journal, the Replicator and the
// CommitTracker for one node, mirroring a dedicated single-threaded actor
// even though Go expresses it with goroutines and channels instead of a
// literal OS thread.
type Director struct {
	selfID string

	journal   DirectorJournal
	state     *State
	heartbeat *HeartbeatTracker
	lease     *Lease
	tk        *Timekeeper
	applier   StateMachineApplier
	log       zerolog.Logger

	voteTransport  VoteTransport
	replTransport  ReplicationTransport
	buildResilverer func(target string) *Resilverer

	mu            sync.Mutex
	commitTracker *CommitTracker
	replicator    *Replicator
	pending       map[uint64]*PendingWrite

	electionTimeout time.Duration
	stop            chan struct{}
	doneCh          chan struct{}
}

// NewDirector constructs a Director for selfID. The caller supplies the
// journal, shared state, heartbeat tracker, lease, timekeeper, state
// machine and the two RPC transports (vote and replication).
func NewDirector(
	selfID string,
	j DirectorJournal,
	state *State,
	heartbeat *HeartbeatTracker,
	lease *Lease,
	tk *Timekeeper,
	applier StateMachineApplier,
	voteTransport VoteTransport,
	replTransport ReplicationTransport,
	buildResilverer func(target string) *Resilverer,
	log zerolog.Logger,
) *Director {
	return &Director{
		selfID:          selfID,
		journal:         j,
		state:           state,
		heartbeat:       heartbeat,
		lease:           lease,
		tk:              tk,
		applier:         applier,
		voteTransport:   voteTransport,
		replTransport:   replTransport,
		buildResilverer: buildResilverer,
		pending:         make(map[uint64]*PendingWrite),
		electionTimeout: heartbeat.Timeouts().Low,
		log:             log,
		stop:            make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start runs the role loop in a new goroutine.
func (d *Director) Start() {
	d.state.SetTerm(d.journal.CurrentTerm())
	d.state.SetVote(d.journal.VotedFor())
	go d.loop()
}

// Stop requests the role loop to exit and blocks until it does.
func (d *Director) Stop() {
	close(d.stop)
	<-d.doneCh
}

func (d *Director) loop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			d.state.Shutdown()
			d.teardownLeadership()
			return
		case <-ticker.C:
		}

		snap := d.state.Snapshot()
		switch snap.Role {
		case Leader:
			d.actAsLeader()
		case Candidate:
			// A round is already in flight synchronously inside runForLeader;
			// reaching here means it finished and stepped back to Follower.
		default:
			d.actAsFollower(snap)
		}
	}
}

// actAsFollower checks for an election timeout and, if the local node is a
// full member, starts an election.
func (d *Director) actAsFollower(snap Snapshot) {
	if snap.Observer {
		return
	}
	membership := d.journal.GetMembership()
	if !membership.IsFullMember(d.selfID) {
		d.state.SetObserver(true)
		return
	}

	status := d.heartbeat.Timeout(time.Now())
	if status == TimeoutNo {
		return
	}
	d.heartbeat.RefreshRandomTimeout()
	d.runForLeader(membership)
}

// runForLeader executes the full pre-vote -> vote -> ascend sequence
// described for election attempts: a pre-vote round that never mutates
// persistent state, followed (only if the pre-vote would have won) by a
// binding vote round that does.
func (d *Director) runForLeader(membership journal.Membership) {
	lastIndex, lastTerm, err := d.journal.LastIndexAndTerm()
	if err != nil {
		d.log.Warn().Err(err).Msg("cannot read last log entry, aborting election attempt")
		return
	}

	term := d.journal.CurrentTerm()
	peers := otherFullMembers(membership, d.selfID)
	quorum := membership.Quorum()

	preVoteReq := VoteRequest{Term: term + 1, CandidateID: d.selfID, LastIndex: lastIndex, LastTerm: lastTerm, Phase: PhasePreVote}
	ctx, cancel := context.WithTimeout(context.Background(), d.electionTimeout)
	outcome := RunRound(ctx, d.voteTransport, peers, preVoteReq, quorum, d.electionTimeout/2)
	cancel()

	if outcome != Elected {
		return
	}

	newTerm := term + 1
	if err := d.journal.SetTerm(newTerm); err != nil {
		d.log.Warn().Err(err).Msg("failed to persist new term before candidacy")
		return
	}
	if err := d.journal.VoteFor(newTerm, d.selfID); err != nil {
		d.log.Warn().Err(err).Msg("failed to persist self vote")
		return
	}
	d.state.SetTerm(newTerm)
	if err := d.state.BecomeCandidate(newTerm); err != nil {
		d.log.Warn().Err(err).Msg("become_candidate rejected")
		return
	}

	voteReq := VoteRequest{Term: newTerm, CandidateID: d.selfID, LastIndex: lastIndex, LastTerm: lastTerm, Phase: PhaseVote}
	ctx2, cancel2 := context.WithTimeout(context.Background(), d.electionTimeout)
	outcome = RunRound(ctx2, d.voteTransport, peers, voteReq, quorum, d.electionTimeout/2)
	cancel2()

	if outcome != Elected {
		d.state.StepDown()
		return
	}

	if err := d.state.Ascend(newTerm); err != nil {
		d.log.Warn().Err(err).Msg("ascend rejected")
		return
	}
	d.ascend(newTerm, membership)
}

func otherFullMembers(m journal.Membership, self string) []string {
	out := make([]string, 0, len(m.FullMembers))
	for _, n := range m.FullMembers {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

// ascend appends the leadership-marker no-op entry, resets the lease and
// timekeeper, and activates replication to every member and observer.
func (d *Director) ascend(term uint64, membership journal.Membership) {
	d.lease.Reset()
	d.tk.Synchronize(d.lease.LatestExpiry())

	markerIndex := d.journal.LogSize()
	if err := d.journal.Append(markerIndex, term, nil); err != nil {
		d.log.Error().Err(err).Msg("failed to append leadership marker, stepping down")
		d.state.StepDown()
		return
	}
	d.state.SetLeadershipMarkerIndex(markerIndex)

	d.mu.Lock()
	d.commitTracker = NewCommitTracker(d.journal, d.selfID, membership.Quorum())
	d.replicator = NewReplicator(d.selfID, term, d.journal, d.replTransport, d.lease, d.commitTracker, d.state, d.buildResilverer, d.heartbeat.Timeouts().Heartbeat, d.log)
	d.mu.Unlock()

	d.replicator.Activate(targetsFromMembership(membership))
	d.log.Info().Uint64("term", term).Msg("ascended to leader")
}

func targetsFromMembership(m journal.Membership) []ReplicatorTarget {
	out := make([]ReplicatorTarget, 0, len(m.FullMembers)+len(m.Observers))
	for _, n := range m.FullMembers {
		out = append(out, ReplicatorTarget{Node: n})
	}
	for _, n := range m.Observers {
		out = append(out, ReplicatorTarget{Node: n, Observer: true})
	}
	return out
}

// actAsLeader applies newly committed entries, reconciles the replication
// target set against the current membership, and steps down if the lease
// has lapsed (meaning this leader can no longer prove it holds quorum
// support and must stop serving linearizable reads/writes).
func (d *Director) actAsLeader() {
	if !d.lease.Valid() {
		d.log.Warn().Msg("lease expired, stepping down")
		d.state.StepDown()
		d.teardownLeadership()
		return
	}

	d.applyCommits()

	membership := d.journal.GetMembership()
	d.mu.Lock()
	replicator := d.replicator
	commitTracker := d.commitTracker
	d.mu.Unlock()
	if replicator != nil {
		replicator.SetTargets(targetsFromMembership(membership))
	}
	if commitTracker != nil {
		commitTracker.UpdateQuorum(membership.Quorum())
	}
}

// applyCommits replays every committed entry the state machine has not
// yet seen, in index order, and resolves any pending client write whose
// index has just become committed.
func (d *Director) applyCommits() {
	commitIndex := d.journal.GetCommitIndex()
	for idx := d.applier.LastApplied() + 1; idx <= commitIndex; idx++ {
		entry, err := d.journal.Fetch(idx)
		if err != nil {
			d.log.Error().Err(err).Uint64("index", idx).Msg("cannot fetch committed entry for replay")
			return
		}
		reply, applyErr := d.applier.Apply(idx, entry.Request)
		d.resolvePending(idx, reply, applyErr)
	}
}

func (d *Director) resolvePending(index uint64, reply interface{}, err error) {
	d.mu.Lock()
	w, ok := d.pending[index]
	if ok {
		delete(d.pending, index)
	}
	d.mu.Unlock()
	if ok {
		w.Done <- WriteResult{Reply: reply, Err: err}
	}
}

func (d *Director) teardownLeadership() {
	d.mu.Lock()
	replicator := d.replicator
	d.replicator = nil
	d.commitTracker = nil
	pending := d.pending
	d.pending = make(map[uint64]*PendingWrite)
	d.mu.Unlock()

	if replicator != nil {
		replicator.Deactivate()
	}
	for idx, w := range pending {
		w.Done <- WriteResult{Err: fmt.Errorf("director: stepped down before index %d committed", idx)}
	}
}

// SubmitWrite appends request as a new log entry (if this node is
// currently leader) and returns a channel that receives the apply result
// once the entry commits and is replayed. Returns an error immediately if
// this node is not the leader.
func (d *Director) SubmitWrite(request [][]byte) (<-chan WriteResult, error) {
	snap := d.state.Snapshot()
	if snap.Role != Leader {
		return nil, fmt.Errorf("director: not leader (role=%s, leader=%q)", snap.Role, snap.Leader)
	}

	index := d.journal.LogSize()
	if err := d.journal.Append(index, snap.Term, request); err != nil {
		return nil, err
	}

	w := &PendingWrite{Index: index, Done: make(chan WriteResult, 1)}
	d.mu.Lock()
	commitTracker := d.commitTracker
	d.pending[index] = w
	d.mu.Unlock()

	if commitTracker != nil {
		// Wake the commit tracker with our own new match index (self always
		// counts toward quorum via CommitTracker.recalculate reading LogSize).
		commitTracker.recalculate()
	}
	return w.Done, nil
}

// ChangeMembership appends a membership-change entry. The caller is
// responsible for enforcing the single-in-flight-change and
// safe-quorum-transition rules before calling this.
func (d *Director) ChangeMembership(fullMembers, observers []string) (<-chan WriteResult, error) {
	return d.SubmitWrite(journal.EncodeMembershipRequest(fullMembers, observers))
}

// Snapshot exposes the director's role/term/leader view for status
// reporting.
func (d *Director) Snapshot() Snapshot {
	return d.state.Snapshot()
}

// ReplicationStatus reports replica tracker progress when this node is
// leader, or nil otherwise.
func (d *Director) ReplicationStatus() []ReplicaStatus {
	d.mu.Lock()
	replicator := d.replicator
	d.mu.Unlock()
	if replicator == nil {
		return nil
	}
	return replicator.Status()
}

// MatchIndices reports the leader's current node -> matchIndex view, used
// by membership-change admission decisions. Returns nil when not leader.
func (d *Director) MatchIndices() map[string]uint64 {
	d.mu.Lock()
	ct := d.commitTracker
	d.mu.Unlock()
	if ct == nil {
		return nil
	}
	return ct.Snapshot()
}
