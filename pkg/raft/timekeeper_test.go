package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimekeeperNowAdvancesMonotonically(t *testing.T) {
	tk := NewTimekeeper()
	a := tk.Now()
	time.Sleep(time.Millisecond)
	b := tk.Now()
	require.True(t, b.After(a))
}

func TestTimekeeperSynchronizePushesFloorForward(t *testing.T) {
	tk := NewTimekeeper()
	floor := time.Now().Add(time.Hour)
	tk.Synchronize(floor)
	require.True(t, tk.Now().After(floor) || tk.Now().Equal(floor))
}

func TestTimekeeperSynchronizeIsNoOpForPastFloor(t *testing.T) {
	tk := NewTimekeeper()
	before := tk.Now()
	tk.Synchronize(time.Now().Add(-time.Hour))
	after := tk.Now()
	require.True(t, after.After(before) || after.Equal(before))
}
