package raft

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeJournalHandle struct {
	mu          sync.Mutex
	logSize     uint64
	term        uint64
	commitIndex uint64
	termOf      map[uint64]uint64
}

func newFakeJournalHandle(logSize, term uint64) *fakeJournalHandle {
	return &fakeJournalHandle{logSize: logSize, term: term, termOf: make(map[uint64]uint64)}
}

func (f *fakeJournalHandle) TermOf(index uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.termOf[index]; ok {
		return t, nil
	}
	return f.term, nil
}
func (f *fakeJournalHandle) LogSize() uint64 { f.mu.Lock(); defer f.mu.Unlock(); return f.logSize }
func (f *fakeJournalHandle) CurrentTerm() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.term
}
func (f *fakeJournalHandle) SetCommitIndex(idx uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitIndex = idx
	return nil
}
func (f *fakeJournalHandle) GetCommitIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitIndex
}

func TestCommitTrackerAdvancesOnQuorum(t *testing.T) {
	j := newFakeJournalHandle(11, 2) // self match = 10
	ct := NewCommitTracker(j, "self", 2)

	b := ct.Register("b")
	c := ct.Register("c")
	defer b.Release()
	defer c.Release()

	b.Update(8)
	// sorted desc: [10 (self), 8, 0]; quorum=2 -> index 1 -> 8
	require.Equal(t, uint64(8), j.GetCommitIndex())

	c.Update(9)
	// sorted desc: [10 (self), 9, 8]; quorum=2 -> index 1 -> 9
	require.Equal(t, uint64(9), j.GetCommitIndex())
}

func TestCommitTrackerNeverCommitsPreviousTermEntryByItself(t *testing.T) {
	j := newFakeJournalHandle(11, 3)
	j.termOf[9] = 2 // entry 9 is from an older term
	ct := NewCommitTracker(j, "self", 2)

	b := ct.Register("b")
	defer b.Release()
	b.Update(9)

	require.Equal(t, uint64(0), j.GetCommitIndex())
}

func TestCommitTrackerIgnoresRegression(t *testing.T) {
	j := newFakeJournalHandle(11, 1)
	ct := NewCommitTracker(j, "self", 2)
	b := ct.Register("b")
	defer b.Release()

	b.Update(9)
	require.Equal(t, uint64(9), j.GetCommitIndex())
	j.SetCommitIndex(9)

	b.Update(3) // regression, ignored
	require.Equal(t, uint64(9), j.GetCommitIndex())
}

func TestCommitTrackerObserverNeverCountsTowardQuorum(t *testing.T) {
	j := newFakeJournalHandle(11, 1) // self match = 10
	ct := NewCommitTracker(j, "self", 2)

	b := ct.Register("b")
	obs := ct.RegisterObserver("observer")
	defer b.Release()
	defer obs.Release()

	// observer races ahead of the only other voter; if it were wrongly
	// counted, quorum=2 over [10, 10(observer), 0] would pick 10 instead
	// of waiting on the real voter.
	obs.Update(10)
	require.Equal(t, uint64(0), j.GetCommitIndex())

	b.Update(9)
	require.Equal(t, uint64(9), j.GetCommitIndex())
}

func TestCommitTrackerReleaseRemovesFromQuorumCalculation(t *testing.T) {
	j := newFakeJournalHandle(11, 1)
	ct := NewCommitTracker(j, "self", 2)
	b := ct.Register("b")
	c := ct.Register("c")

	b.Update(10)
	c.Update(1)
	c.Release()
	ct.UpdateQuorum(2)
	// only self(10) and b(10) remain -> commits to 10
	require.Equal(t, uint64(10), j.GetCommitIndex())
}
