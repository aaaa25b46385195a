package rafttransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gbitzes/quarkdb-go/pkg/journal"
	"github.com/gbitzes/quarkdb-go/pkg/raft"
	"github.com/gbitzes/quarkdb-go/pkg/resp"
)

// serveOne accepts a single connection and replies to every request with
// whatever handle returns, echoing the dispatcher's own wire contract
// without dragging in the whole dispatcher package.
func serveOne(t *testing.T, handle func(req [][]byte) resp.Reply) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := resp.NewReader(conn)
		w := resp.NewWriter(conn)
		for {
			req, err := r.ReadRequest()
			if err != nil {
				return
			}
			if err := w.WriteReply(handle(req)); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestClientRequestVote(t *testing.T) {
	addr := serveOne(t, func(req [][]byte) resp.Reply {
		require.Equal(t, "RAFT_REQUEST_VOTE", string(req[0]))
		return []resp.Reply{int64(7), int64(raft.VoteGranted)}
	})

	c := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	voteResp, err := c.RequestVote(ctx, addr, raft.VoteRequest{Term: 7, CandidateID: "me", Phase: raft.PhaseVote})
	require.NoError(t, err)
	require.Equal(t, uint64(7), voteResp.Term)
	require.Equal(t, raft.VoteGranted, voteResp.Kind)
}

func TestClientAppendEntries(t *testing.T) {
	addr := serveOne(t, func(req [][]byte) resp.Reply {
		require.Equal(t, "RAFT_APPEND_ENTRIES", string(req[0]))
		return []resp.Reply{int64(3), int64(1), int64(5)}
	})

	c := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ae, err := c.AppendEntries(ctx, addr, raft.AppendEntriesRequest{
		Term: 3, LeaderID: "leader",
		Entries: []journal.Entry{{Index: 0, Term: 3, Request: [][]byte{[]byte("SET"), []byte("k"), []byte("v")}}},
	})
	require.NoError(t, err)
	require.True(t, ae.Outcome)
	require.Equal(t, uint64(5), ae.LogSize)
}

func TestClientStartResilveringPropagatesError(t *testing.T) {
	addr := serveOne(t, func(req [][]byte) resp.Reply {
		return resp.ErrReply{Message: "ERR busy"}
	})

	c := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.StartResilvering(ctx, addr, "evt1")
	require.Error(t, err)
}

func TestClientRedialsAfterConnectionDrop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close() // drop immediately
	}()

	c := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.RequestVote(ctx, ln.Addr().String(), raft.VoteRequest{Term: 1, Phase: raft.PhaseVote})
	require.Error(t, err)
	// The failed call dropped the connection, so the next call dials afresh.
	require.Nil(t, c.peer(ln.Addr().String()).conn)
}
