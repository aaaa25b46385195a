package raft

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gbitzes/quarkdb-go/pkg/journal"
)

type fakeReplicaJournal struct {
	logSize     uint64
	logStart    uint64
	commitIndex uint64
	entries     map[uint64]journal.Entry
}

func newFakeReplicaJournal() *fakeReplicaJournal {
	return &fakeReplicaJournal{entries: make(map[uint64]journal.Entry)}
}

func (f *fakeReplicaJournal) LogSize() uint64  { return f.logSize }
func (f *fakeReplicaJournal) LogStart() uint64 { return f.logStart }
func (f *fakeReplicaJournal) TermOf(index uint64) (uint64, error) {
	if e, ok := f.entries[index]; ok {
		return e.Term, nil
	}
	return 0, &journal.Error{Kind: journal.KindNotFound, Msg: "missing"}
}
func (f *fakeReplicaJournal) Fetch(index uint64) (journal.Entry, error) {
	e, ok := f.entries[index]
	if !ok {
		return journal.Entry{}, &journal.Error{Kind: journal.KindNotFound, Msg: "missing"}
	}
	return e, nil
}
func (f *fakeReplicaJournal) ScanContents(start uint64, count int, glob string) ([]journal.Entry, uint64, error) {
	var out []journal.Entry
	idx := start
	for ; idx < f.logSize && len(out) < count; idx++ {
		if e, ok := f.entries[idx]; ok {
			out = append(out, e)
		}
	}
	return out, idx, nil
}
func (f *fakeReplicaJournal) GetCommitIndex() uint64 { return f.commitIndex }
func (f *fakeReplicaJournal) WaitForUpdates(threshold uint64, timeout time.Duration) {}
func (f *fakeReplicaJournal) RegisterTrimBlock(floor uint64) *journal.TrimBlock       { return nil }

func newTestTracker() (*ReplicaTracker, *fakeReplicaJournal) {
	j := newFakeReplicaJournal()
	j.logSize = 5
	state := NewState("leader")
	state.SetTerm(1)
	lease := NewLease(NewTimekeeper(), time.Second, 1)
	ct := NewCommitTracker(&fakeJournalHandle{logSize: 5, term: 1}, "leader", 1)
	match := ct.Register("follower")
	tr := NewReplicaTracker("follower", false, 1, "leader", j, nil, lease, match, state, nil, time.Second, zerolog.Nop())
	return tr, j
}

func TestApplyReplySuccessAdvancesMatchIndexAndDoublesPayload(t *testing.T) {
	tr, _ := newTestTracker()
	resp := AppendEntriesResponse{Term: 1, Outcome: true, LogSize: 5}
	newNext, abandon := tr.applyReply(3, 3, resp, time.Now())
	require.False(t, abandon)
	require.Equal(t, uint64(5), newNext)
	require.Equal(t, uint64(4), tr.match.ct.Snapshot()["follower"])
	require.Equal(t, 2, tr.payloadLimit)
	require.True(t, tr.Online())
}

func TestApplyReplyFailureDecrementsNextIndex(t *testing.T) {
	tr, _ := newTestTracker()
	resp := AppendEntriesResponse{Term: 1, Outcome: false, LogSize: 3}
	newNext, abandon := tr.applyReply(3, 3, resp, time.Now())
	require.False(t, abandon)
	require.Equal(t, uint64(2), newNext)
}

func TestApplyReplyHigherTermAbandonsTracker(t *testing.T) {
	tr, _ := newTestTracker()
	resp := AppendEntriesResponse{Term: 9, Outcome: false}
	_, abandon := tr.applyReply(3, 3, resp, time.Now())
	require.True(t, abandon)
}

func TestApplyReplyDetectsNeedsResilvering(t *testing.T) {
	tr, j := newTestTracker()
	j.logStart = 10
	resp := AppendEntriesResponse{Term: 1, Outcome: false, LogSize: 10}
	tr.applyReply(3, 3, resp, time.Now())
	require.True(t, tr.needsResilver)
}
