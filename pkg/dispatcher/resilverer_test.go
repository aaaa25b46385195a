package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gbitzes/quarkdb-go/pkg/raft"
	"github.com/gbitzes/quarkdb-go/pkg/resp"
)

func TestResilveringReceiverAdapterRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	var installedFrom string
	recv := raft.NewResilveringReceiver(tmp, func(dir string) error {
		installedFrom = dir
		return nil
	})
	a := NewResilveringReceiverAdapter(recv)

	reply, err := a.HandleStart([][]byte{[]byte("QUARKDB_START_RESILVERING"), []byte("evt1")})
	require.NoError(t, err)
	require.Equal(t, resp.SimpleString("OK"), reply)

	reply, err = a.HandleCopyFile([][]byte{
		[]byte("QUARKDB_RESILVERING_COPY_FILE"), []byte("evt1"), []byte("journal/data.db"), []byte("hello"),
	})
	require.NoError(t, err)
	require.Equal(t, resp.SimpleString("OK"), reply)

	reply, err = a.HandleFinish([][]byte{[]byte("QUARKDB_FINISH_RESILVERING"), []byte("evt1")})
	require.NoError(t, err)
	require.Equal(t, resp.SimpleString("OK"), reply)
	require.NotEmpty(t, installedFrom)
}

func TestResilveringReceiverAdapterCancel(t *testing.T) {
	tmp := t.TempDir()
	recv := raft.NewResilveringReceiver(tmp, func(dir string) error { return nil })
	a := NewResilveringReceiverAdapter(recv)

	_, err := a.HandleStart([][]byte{[]byte("QUARKDB_START_RESILVERING"), []byte("evt1")})
	require.NoError(t, err)

	reply, err := a.HandleCancel([][]byte{[]byte("QUARKDB_CANCEL_RESILVERING"), []byte("evt1"), []byte("peer requested abort")})
	require.NoError(t, err)
	require.Equal(t, resp.SimpleString("OK"), reply)
}

func TestResilveringReceiverAdapterRejectsWrongArgCount(t *testing.T) {
	tmp := t.TempDir()
	recv := raft.NewResilveringReceiver(tmp, func(dir string) error { return nil })
	a := NewResilveringReceiverAdapter(recv)

	_, err := a.HandleStart([][]byte{[]byte("QUARKDB_START_RESILVERING")})
	require.Error(t, err)
}
