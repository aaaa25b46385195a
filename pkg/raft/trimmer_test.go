package raft

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTrimmerJournal struct {
	logStart    uint64
	commitIndex uint64
	trimmedTo   uint64
}

func (f *fakeTrimmerJournal) LogStart() uint64      { return f.logStart }
func (f *fakeTrimmerJournal) GetCommitIndex() uint64 { return f.commitIndex }
func (f *fakeTrimmerJournal) TrimUntil(idx uint64) error {
	f.trimmedTo = idx
	f.logStart = idx
	return nil
}

func TestTrimmerRespectsCommitAndAppliedFloor(t *testing.T) {
	j := &fakeTrimmerJournal{logStart: 0, commitIndex: 100}
	applier := &fakeApplier{lastApplied: 40}
	tr := NewTrimmer(j, applier, nil, 5, time.Hour, zerolog.Nop())

	tr.runOnce()
	require.Equal(t, uint64(35), j.trimmedTo)
}

func TestTrimmerRespectsMinMatchIndexFloor(t *testing.T) {
	j := &fakeTrimmerJournal{logStart: 0, commitIndex: 100}
	applier := &fakeApplier{lastApplied: 100}
	minMatch := func() uint64 { return 20 }
	tr := NewTrimmer(j, applier, minMatch, 5, time.Hour, zerolog.Nop())

	tr.runOnce()
	require.Equal(t, uint64(15), j.trimmedTo)
}

func TestTrimmerNoOpWhenBelowKeepAtLeast(t *testing.T) {
	j := &fakeTrimmerJournal{logStart: 0, commitIndex: 3}
	applier := &fakeApplier{lastApplied: 3}
	tr := NewTrimmer(j, applier, nil, 5, time.Hour, zerolog.Nop())

	tr.runOnce()
	require.Equal(t, uint64(0), j.trimmedTo)
}
