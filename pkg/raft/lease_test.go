package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaseValidWithSelfAloneWhenQuorumIsOne(t *testing.T) {
	l := NewLease(NewTimekeeper(), time.Second, 1)
	require.True(t, l.Valid())
}

func TestLeaseInvalidUntilQuorumHeardFrom(t *testing.T) {
	tk := NewTimekeeper()
	l := NewLease(tk, time.Second, 3)
	require.False(t, l.Valid())

	l.Heartbeat("b", false, tk.Now())
	require.False(t, l.Valid())

	l.Heartbeat("c", false, tk.Now())
	require.True(t, l.Valid())
}

func TestLeaseExpiresContactsOutsideWindow(t *testing.T) {
	tk := NewTimekeeper()
	l := NewLease(tk, 10*time.Millisecond, 2)
	l.Heartbeat("b", false, tk.Now().Add(-time.Hour))
	require.False(t, l.Valid())
}

func TestLeaseResetClearsContacts(t *testing.T) {
	tk := NewTimekeeper()
	l := NewLease(tk, time.Second, 2)
	l.Heartbeat("b", false, tk.Now())
	require.True(t, l.Valid())
	l.Reset()
	require.False(t, l.Valid())
}

func TestLeaseIgnoresObserverContacts(t *testing.T) {
	tk := NewTimekeeper()
	l := NewLease(tk, time.Second, 3)
	l.Heartbeat("observer-1", true, tk.Now())
	l.Heartbeat("observer-2", true, tk.Now())
	require.False(t, l.Valid(), "observer acknowledgements must not count toward the full-member quorum")

	l.Heartbeat("b", false, tk.Now())
	require.True(t, l.Valid())
}

func TestLeaseUpdateQuorumTakesEffectImmediately(t *testing.T) {
	tk := NewTimekeeper()
	l := NewLease(tk, time.Second, 5)
	require.False(t, l.Valid())
	l.UpdateQuorum(1)
	require.True(t, l.Valid())
}
