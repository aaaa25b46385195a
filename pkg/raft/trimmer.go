package raft

import (
	"time"

	"github.com/rs/zerolog"
)

// TrimmerJournal is the slice of Journal the trimmer needs.
type TrimmerJournal interface {
	LogStart() uint64
	GetCommitIndex() uint64
	TrimUntil(idx uint64) error
}

// Trimmer periodically garbage-collects the prefix of the log that is both
// committed and no longer needed by any lagging replica, keeping at least
// keepAtLeast entries behind the lowest of those floors as a safety
// margin for followers that are merely slow rather than truly gone.
type Trimmer struct {
	journal       TrimmerJournal
	applier       StateMachineApplier
	minMatchIndex func() uint64
	keepAtLeast   uint64
	interval      time.Duration
	log           zerolog.Logger

	stop   chan struct{}
	doneCh chan struct{}
}

// NewTrimmer constructs a Trimmer. minMatchIndex should return the lowest
// match index across all currently tracked replicas (or an arbitrarily
// high value when there are none, so it never constrains trimming);
// passing nil disables that floor entirely.
func NewTrimmer(j TrimmerJournal, applier StateMachineApplier, minMatchIndex func() uint64, keepAtLeast uint64, interval time.Duration, log zerolog.Logger) *Trimmer {
	return &Trimmer{
		journal:       j,
		applier:       applier,
		minMatchIndex: minMatchIndex,
		keepAtLeast:   keepAtLeast,
		interval:      interval,
		log:           log,
		stop:          make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start runs the trimmer's periodic loop in a new goroutine.
func (t *Trimmer) Start() {
	go t.loop()
}

// Stop requests the loop to exit and blocks until it does.
func (t *Trimmer) Stop() {
	close(t.stop)
	<-t.doneCh
}

func (t *Trimmer) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.runOnce()
		}
	}
}

func (t *Trimmer) runOnce() {
	ceiling := t.journal.GetCommitIndex()
	if t.applier != nil {
		if applied := t.applier.LastApplied(); applied < ceiling {
			ceiling = applied
		}
	}
	if t.minMatchIndex != nil {
		if m := t.minMatchIndex(); m < ceiling {
			ceiling = m
		}
	}

	if ceiling < t.keepAtLeast {
		return
	}
	target := ceiling - t.keepAtLeast
	if target <= t.journal.LogStart() {
		return
	}

	if err := t.journal.TrimUntil(target); err != nil {
		t.log.Warn().Err(err).Uint64("target", target).Msg("trim attempt failed")
	}
}
