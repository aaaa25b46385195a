// Package rafttransport is the node-to-node side of the wire protocol:
// one persistent connection per peer, issuing RAFT_REQUEST_VOTE,
// RAFT_APPEND_ENTRIES and the QUARKDB_* resilvering RPCs and decoding
// their replies. Grounded on the one-client-struct-per-peer shape of
// sidecus-raft's KVPeerClient, adapted from gRPC stubs to the resp
// line protocol the rest of this module speaks.
package rafttransport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gbitzes/quarkdb-go/pkg/raft"
	"github.com/gbitzes/quarkdb-go/pkg/resp"
)

// DialTimeout bounds how long connecting to a peer may take before a
// call gives up and reports a transport error.
const DialTimeout = 2 * time.Second

// Client is a raft.VoteTransport and raft.ReplicationTransport backed by
// one lazily-dialed, persistent TCP connection per peer address.
type Client struct {
	mu    sync.Mutex
	peers map[string]*peerConn
	log   zerolog.Logger
}

// New builds a transport client. Peer addresses are dialed lazily, on
// first use, and redialed on the next call after any I/O error.
func New(log zerolog.Logger) *Client {
	return &Client{peers: make(map[string]*peerConn), log: log}
}

type peerConn struct {
	mu   sync.Mutex
	addr string
	conn net.Conn
	r    *resp.Reader
	w    *resp.Writer
	log  zerolog.Logger
}

func (c *Client) peer(addr string) *peerConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[addr]
	if !ok {
		p = &peerConn{addr: addr, log: c.log.With().Str("peer", addr).Logger()}
		c.peers[addr] = p
	}
	return p
}

// call writes request and reads back one reply, dialing (or redialing
// after a prior failure) as needed. Only one RPC is in flight on a given
// peer connection at a time -- the teacher's node-to-node links are not
// pipelined either.
func (p *peerConn) call(ctx context.Context, request [][]byte) (resp.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.dial(ctx); err != nil {
			p.log.Warn().Err(err).Msg("dial failed")
			return nil, err
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetDeadline(deadline)
	} else {
		p.conn.SetDeadline(time.Now().Add(DialTimeout))
	}

	if err := p.w.WriteRequest(request); err != nil {
		p.log.Warn().Err(err).Msg("write failed, dropping connection")
		p.closeLocked()
		return nil, err
	}
	if err := p.w.Flush(); err != nil {
		p.log.Warn().Err(err).Msg("flush failed, dropping connection")
		p.closeLocked()
		return nil, err
	}
	reply, err := p.r.ReadReply()
	if err != nil {
		p.log.Warn().Err(err).Msg("read failed, dropping connection")
		p.closeLocked()
		return nil, err
	}
	return reply, nil
}

func (p *peerConn) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("rafttransport: dial %s: %w", p.addr, err)
	}
	p.conn = conn
	p.r = resp.NewReader(conn)
	p.w = resp.NewWriter(conn)
	return nil
}

func (p *peerConn) closeLocked() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.r = nil
	p.w = nil
}

// RequestVote implements raft.VoteTransport.
func (c *Client) RequestVote(ctx context.Context, target string, req raft.VoteRequest) (raft.VoteResponse, error) {
	wire := [][]byte{
		[]byte("RAFT_REQUEST_VOTE"),
		[]byte(strconv.FormatUint(req.Term, 10)),
		[]byte(req.CandidateID),
		[]byte(strconv.FormatUint(req.LastIndex, 10)),
		[]byte(strconv.FormatUint(req.LastTerm, 10)),
		[]byte(strconv.Itoa(int(req.Phase))),
	}
	reply, err := c.peer(target).call(ctx, wire)
	if err != nil {
		return raft.VoteResponse{}, err
	}
	arr, ok := reply.([]resp.Reply)
	if !ok || len(arr) != 2 {
		return raft.VoteResponse{}, fmt.Errorf("rafttransport: malformed vote reply from %s", target)
	}
	term, ok1 := arr[0].(int64)
	kind, ok2 := arr[1].(int64)
	if !ok1 || !ok2 {
		return raft.VoteResponse{}, fmt.Errorf("rafttransport: malformed vote reply fields from %s", target)
	}
	return raft.VoteResponse{Term: uint64(term), Kind: raft.VoteKind(kind)}, nil
}

// AppendEntries implements raft.ReplicationTransport.
func (c *Client) AppendEntries(ctx context.Context, target string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	wire := [][]byte{
		[]byte("RAFT_APPEND_ENTRIES"),
		[]byte(strconv.FormatUint(req.Term, 10)),
		[]byte(req.LeaderID),
		[]byte(strconv.FormatUint(req.PrevIndex, 10)),
		[]byte(strconv.FormatUint(req.PrevTerm, 10)),
		[]byte(strconv.FormatUint(req.CommitIndex, 10)),
	}
	wire = append(wire, []byte(strconv.Itoa(len(req.Entries))))
	for _, e := range req.Entries {
		wire = append(wire,
			[]byte(strconv.FormatUint(e.Index, 10)),
			[]byte(strconv.FormatUint(e.Term, 10)),
			[]byte(strconv.Itoa(len(e.Request))),
		)
		wire = append(wire, e.Request...)
	}

	reply, err := c.peer(target).call(ctx, wire)
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	arr, ok := reply.([]resp.Reply)
	if !ok || len(arr) != 3 {
		return raft.AppendEntriesResponse{}, fmt.Errorf("rafttransport: malformed append-entries reply from %s", target)
	}
	term, ok1 := arr[0].(int64)
	outcome, ok2 := arr[1].(int64)
	logSize, ok3 := arr[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return raft.AppendEntriesResponse{}, fmt.Errorf("rafttransport: malformed append-entries reply fields from %s", target)
	}
	return raft.AppendEntriesResponse{Term: uint64(term), Outcome: outcome != 0, LogSize: uint64(logSize)}, nil
}

// StartResilvering implements raft.ReplicationTransport.
func (c *Client) StartResilvering(ctx context.Context, target string, eventID string) error {
	return c.simpleCall(ctx, target, [][]byte{[]byte("QUARKDB_START_RESILVERING"), []byte(eventID)})
}

// CopyResilveringFile implements raft.ReplicationTransport.
func (c *Client) CopyResilveringFile(ctx context.Context, target string, eventID, relativePath string, contents []byte) error {
	return c.simpleCall(ctx, target, [][]byte{
		[]byte("QUARKDB_RESILVERING_COPY_FILE"), []byte(eventID), []byte(relativePath), contents,
	})
}

// FinishResilvering implements raft.ReplicationTransport.
func (c *Client) FinishResilvering(ctx context.Context, target string, eventID string) error {
	return c.simpleCall(ctx, target, [][]byte{[]byte("QUARKDB_FINISH_RESILVERING"), []byte(eventID)})
}

// CancelResilvering implements raft.ReplicationTransport.
func (c *Client) CancelResilvering(ctx context.Context, target string, eventID, reason string) error {
	return c.simpleCall(ctx, target, [][]byte{[]byte("QUARKDB_CANCEL_RESILVERING"), []byte(eventID), []byte(reason)})
}

func (c *Client) simpleCall(ctx context.Context, target string, wire [][]byte) error {
	reply, err := c.peer(target).call(ctx, wire)
	if err != nil {
		return err
	}
	if errReply, ok := reply.(resp.ErrReply); ok {
		return fmt.Errorf("rafttransport: %s refused: %s", target, errReply.Message)
	}
	return nil
}

var _ raft.VoteTransport = (*Client)(nil)
var _ raft.ReplicationTransport = (*Client)(nil)
