package raft

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResilveringReceiverFinishInstalls(t *testing.T) {
	tmp := t.TempDir()
	var installedFrom string
	r := NewResilveringReceiver(tmp, func(dir string) error {
		installedFrom = dir
		return nil
	})

	require.NoError(t, r.Start("evt1"))
	require.NoError(t, r.CopyFile("evt1", "journal/data.db", []byte("hello")))
	require.NoError(t, r.Finish("evt1"))

	require.NotEmpty(t, installedFrom)
}

func TestResilveringReceiverRejectsConcurrentEvents(t *testing.T) {
	tmp := t.TempDir()
	r := NewResilveringReceiver(tmp, func(dir string) error { return nil })
	require.NoError(t, r.Start("evt1"))
	require.Error(t, r.Start("evt2"))
}

func TestResilveringReceiverCancelDiscardsStaged(t *testing.T) {
	tmp := t.TempDir()
	r := NewResilveringReceiver(tmp, func(dir string) error { return nil })
	require.NoError(t, r.Start("evt1"))
	require.NoError(t, r.CopyFile("evt1", "a.db", []byte("x")))
	require.NoError(t, r.Cancel("evt1", "test"))

	require.NoError(t, r.Start("evt2"))
	_, err := os.Stat(filepath.Join(tmp, "resilver-evt1"))
	require.True(t, os.IsNotExist(err))
}
