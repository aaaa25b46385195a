package raft

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gbitzes/quarkdb-go/pkg/journal"
)

const (
	payloadLimitMin = 1
	payloadLimitMax = 1024
	// streamingThreshold is the payload limit at which a tracker switches
	// from request/reply AppendEntries rounds to pipelined streaming --
	// rounds to pipelined streaming.
	streamingThreshold = 8
	// maxInFlight bounds the streaming pipeline's queue depth.
	maxInFlight = 32
)

// ReplicaJournal is the slice of Journal a replica tracker reads from.
type ReplicaJournal interface {
	LogSize() uint64
	LogStart() uint64
	TermOf(index uint64) (uint64, error)
	Fetch(index uint64) (journal.Entry, error)
	ScanContents(start uint64, count int, glob string) ([]journal.Entry, uint64, error)
	GetCommitIndex() uint64
	WaitForUpdates(threshold uint64, timeout time.Duration)
	RegisterTrimBlock(floor uint64) *journal.TrimBlock
}

// ReplicaTracker replicates the log to a single peer (full member or
// observer), adapting its batch size and switching into pipelined
// streaming once the connection proves healthy.
type ReplicaTracker struct {
	target     string
	isObserver bool
	term       uint64
	selfID     string

	journal   ReplicaJournal
	transport ReplicationTransport
	lease     *Lease
	match     *MatchIndexTracker
	state     *State
	resilver  *Resilverer
	log       zerolog.Logger

	heartbeatInterval time.Duration

	mu            sync.Mutex
	nextIndex     uint64
	payloadLimit  int
	online        bool
	needsResilver bool

	stop chan struct{}
	done chan struct{}
}

// NewReplicaTracker constructs a tracker for target, starting at
// next_index = logSize.
func NewReplicaTracker(
	target string,
	isObserver bool,
	term uint64,
	selfID string,
	j ReplicaJournal,
	transport ReplicationTransport,
	lease *Lease,
	match *MatchIndexTracker,
	state *State,
	resilver *Resilverer,
	heartbeatInterval time.Duration,
	log zerolog.Logger,
) *ReplicaTracker {
	return &ReplicaTracker{
		target:            target,
		isObserver:        isObserver,
		term:              term,
		selfID:            selfID,
		journal:           j,
		transport:         transport,
		lease:             lease,
		match:             match,
		state:             state,
		resilver:          resilver,
		heartbeatInterval: heartbeatInterval,
		nextIndex:         j.LogSize(),
		payloadLimit:      payloadLimitMin,
		log:               log.With().Str("target", target).Logger(),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Start runs the tracker's main loop in a new goroutine.
func (t *ReplicaTracker) Start() {
	go t.run()
}

// Stop signals the tracker to exit and blocks until it has, joining its
// goroutine before returning.
func (t *ReplicaTracker) Stop() {
	close(t.stop)
	<-t.done
	t.match.Release()
}

func (t *ReplicaTracker) run() {
	defer close(t.done)

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		t.mu.Lock()
		online, limit, needsResilver := t.online, t.payloadLimit, t.needsResilver
		t.mu.Unlock()

		if needsResilver {
			t.runResilver()
			continue
		}

		if online && limit >= streamingThreshold {
			t.runStreaming()
			continue
		}

		t.runSingleRound()
	}
}

func (t *ReplicaTracker) runResilver() {
	if t.resilver == nil {
		t.setOnline(false)
		t.clearResilver()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := t.resilver.Run(ctx, t.target); err != nil {
		t.log.Warn().Err(err).Msg("resilvering attempt failed, will retry")
		select {
		case <-time.After(t.heartbeatInterval):
		case <-t.stop:
		}
		return
	}
	t.mu.Lock()
	t.nextIndex = t.journal.LogSize()
	t.needsResilver = false
	t.mu.Unlock()
}

func (t *ReplicaTracker) clearResilver() {
	t.mu.Lock()
	t.needsResilver = false
	t.mu.Unlock()
}

func (t *ReplicaTracker) setOnline(v bool) {
	t.mu.Lock()
	t.online = v
	t.mu.Unlock()
}

// buildPayload fetches prevTerm and up to limit entries starting at
// nextIndex.
func (t *ReplicaTracker) buildPayload(nextIndex uint64, limit int) (prevTerm uint64, entries []journal.Entry, err error) {
	if nextIndex > 0 {
		prevTerm, err = t.journal.TermOf(nextIndex - 1)
		if err != nil {
			return 0, nil, err
		}
	}
	entries, _, err = t.journal.ScanContents(nextIndex, limit, "")
	return prevTerm, entries, err
}

// applyReply folds one AppendEntries reply into tracker state, per the
// reply-handling rules below. Returns the next_index to
// use on the following round, and whether the caller should abandon this
// tracker (observed a higher term).
func (t *ReplicaTracker) applyReply(nextIndex uint64, pushedFrom uint64, resp AppendEntriesResponse, sentAt time.Time) (newNext uint64, abandon bool) {
	if resp.Term > t.term {
		t.state.Observed(resp.Term, "")
		return nextIndex, true
	}

	t.lease.Heartbeat(t.target, t.isObserver, sentAt)
	t.setOnline(true)

	if resp.LogSize <= t.journal.LogStart() {
		t.mu.Lock()
		t.needsResilver = true
		t.mu.Unlock()
		return nextIndex, false
	}

	if !resp.Outcome {
		if pushedFrom >= 2 && pushedFrom <= resp.LogSize {
			return pushedFrom - 1, false
		}
		return resp.LogSize, false
	}

	t.match.Update(resp.LogSize - 1)
	t.mu.Lock()
	t.payloadLimit = minInt(t.payloadLimit*2, payloadLimitMax)
	t.mu.Unlock()
	return resp.LogSize, false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (t *ReplicaTracker) runSingleRound() {
	t.mu.Lock()
	nextIndex, limit := t.nextIndex, t.payloadLimit
	t.mu.Unlock()

	logSize := t.journal.LogSize()
	if nextIndex >= logSize {
		// Back-pressure: nothing new to send, wait for an update but still
		// wake at least every heartbeat interval so followers don't time out.
		t.journal.WaitForUpdates(nextIndex, t.heartbeatInterval)
		t.sendHeartbeatProbe(nextIndex)
		return
	}

	prevTerm, entries, err := t.buildPayload(nextIndex, limit)
	if err != nil {
		if journal.IsNotFound(err) {
			t.mu.Lock()
			t.needsResilver = true
			t.mu.Unlock()
			return
		}
		t.failRound()
		return
	}

	req := AppendEntriesRequest{
		Term:        t.term,
		LeaderID:    t.selfID,
		PrevIndex:   safeSub(nextIndex, 1),
		PrevTerm:    prevTerm,
		CommitIndex: t.journal.GetCommitIndex(),
		Entries:     entries,
	}

	sentAt := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), ReplicationTimeout)
	resp, err := t.transport.AppendEntries(ctx, t.target, req)
	cancel()
	if err != nil {
		t.failRound()
		return
	}

	newNext, abandon := t.applyReply(nextIndex, nextIndex, resp, sentAt)
	if abandon {
		return
	}
	t.mu.Lock()
	t.nextIndex = newNext
	t.mu.Unlock()
}

func (t *ReplicaTracker) sendHeartbeatProbe(nextIndex uint64) {
	prevTerm, _ := t.journal.TermOf(safeSub(nextIndex, 1))
	req := AppendEntriesRequest{
		Term:        t.term,
		LeaderID:    t.selfID,
		PrevIndex:   safeSub(nextIndex, 1),
		PrevTerm:    prevTerm,
		CommitIndex: t.journal.GetCommitIndex(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), ReplicationTimeout)
	resp, err := t.transport.AppendEntries(ctx, t.target, req)
	cancel()
	if err != nil {
		t.failRound()
		return
	}
	newNext, abandon := t.applyReply(nextIndex, nextIndex, resp, time.Now())
	if abandon {
		return
	}
	t.mu.Lock()
	t.nextIndex = newNext
	t.mu.Unlock()
}

func (t *ReplicaTracker) failRound() {
	t.setOnline(false)
	t.mu.Lock()
	t.payloadLimit = payloadLimitMin
	t.mu.Unlock()
	select {
	case <-time.After(t.heartbeatInterval):
	case <-t.stop:
	}
}

func safeSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// inflightRound is a pipelined AppendEntries still awaiting a reply.
type inflightRound struct {
	replyCh    chan AppendEntriesResponse
	errCh      chan error
	sentAt     time.Time
	pushedFrom uint64
}

// runStreaming pushes up to
// payloadLimit rounds without waiting for each reply, draining ready
// replies from the front of a bounded queue.
func (t *ReplicaTracker) runStreaming() {
	var inflight []inflightRound

	for {
		select {
		case <-t.stop:
			t.drainAll(inflight)
			return
		default:
		}

		t.mu.Lock()
		nextIndex, limit := t.nextIndex, t.payloadLimit
		t.mu.Unlock()

		logSize := t.journal.LogSize()
		if nextIndex < logSize && len(inflight) < maxInFlight && len(inflight) < minInt(limit, maxInFlight) {
			prevTerm, entries, err := t.buildPayload(nextIndex, limit)
			if err != nil {
				t.drainAll(inflight)
				if journal.IsNotFound(err) {
					t.mu.Lock()
					t.needsResilver = true
					t.mu.Unlock()
				}
				return
			}
			round := inflightRound{
				replyCh:    make(chan AppendEntriesResponse, 1),
				errCh:      make(chan error, 1),
				sentAt:     time.Now(),
				pushedFrom: nextIndex,
			}
			req := AppendEntriesRequest{
				Term:        t.term,
				LeaderID:    t.selfID,
				PrevIndex:   safeSub(nextIndex, 1),
				PrevTerm:    prevTerm,
				CommitIndex: t.journal.GetCommitIndex(),
				Entries:     entries,
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), ReplicationTimeout)
				defer cancel()
				resp, err := t.transport.AppendEntries(ctx, t.target, req)
				if err != nil {
					round.errCh <- err
					return
				}
				round.replyCh <- resp
			}()
			inflight = append(inflight, round)

			t.mu.Lock()
			t.nextIndex += uint64(len(entries))
			if len(entries) == 0 {
				t.nextIndex = nextIndex
			}
			t.mu.Unlock()
			continue
		}

		if len(inflight) == 0 {
			return // nothing to push and nothing outstanding: fall back to the outer loop
		}

		front := inflight[0]
		select {
		case resp := <-front.replyCh:
			inflight = inflight[1:]
			newNext, abandon := t.applyReply(0, front.pushedFrom, resp, front.sentAt)
			if abandon {
				t.drainAll(inflight)
				return
			}
			if !resp.Outcome {
				t.mu.Lock()
				t.nextIndex = newNext
				t.mu.Unlock()
				t.drainAll(inflight)
				return
			}
		case err := <-front.errCh:
			_ = err
			t.drainAll(inflight[1:])
			t.failRound()
			return
		case <-t.stop:
			t.drainAll(inflight)
			return
		case <-time.After(ReplicationTimeout):
			t.drainAll(inflight)
			t.failRound()
			return
		}
	}
}

func (t *ReplicaTracker) drainAll(inflight []inflightRound) {
	// Replies still in flight are abandoned; the outer loop will rebuild
	// next_index from scratch on its next round.
	_ = inflight
}

// Online reports whether the last round succeeded.
func (t *ReplicaTracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// NextIndex reports the tracker's current next_index, for status/metrics.
func (t *ReplicaTracker) NextIndex() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextIndex
}
