// Package dispatcher routes a parsed RESP request to the Raft-facing
// handlers, the statemachine-facing data handlers, or the resilvering
// handlers, translating director/journal errors into the RESP error
// taxonomy a client expects. Grounded on the journal/raft/statemachine
// packages' own public surfaces; there is no dispatcher in the teacher
// repo (it speaks HTTP+protobuf, not a line protocol), so this is built
// from the command table in spec.md's wire-protocol description.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gbitzes/quarkdb-go/pkg/cluster"
	"github.com/gbitzes/quarkdb-go/pkg/journal"
	"github.com/gbitzes/quarkdb-go/pkg/metrics"
	"github.com/gbitzes/quarkdb-go/pkg/raft"
	"github.com/gbitzes/quarkdb-go/pkg/resp"
)

// StateMachine is the subset of statemachine.Store the dispatcher needs
// for read-only commands served directly, without going through a
// write: a stale read answers from whatever the local replica has
// applied so far, rather than waiting on a quorum round-trip, which is
// what lets followers serve GET/HGET/etc. at all.
type StateMachine interface {
	LastApplied() uint64
	Apply(index uint64, request [][]byte) (interface{}, error)
}

// Director is the subset of raft.Director the dispatcher drives.
type Director interface {
	SubmitWrite(request [][]byte) (<-chan raft.WriteResult, error)
	ChangeMembership(fullMembers, observers []string) (<-chan raft.WriteResult, error)
	Snapshot() raft.Snapshot
	ReplicationStatus() []raft.ReplicaStatus
	MatchIndices() map[string]uint64
	HandleVoteRequest(req raft.VoteRequest) (raft.VoteResponse, error)
	HandleAppendEntries(req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error)
}

// JournalReader is the subset of journal.Journal needed to answer
// RAFT_FETCH / RAFT_INFO / RAFT_JOURNAL_SCAN without a write.
type JournalReader interface {
	LogSize() uint64
	LogStart() uint64
	GetCommitIndex() uint64
	GetMembership() journal.Membership
	Fetch(index uint64) (journal.Entry, error)
	ScanContents(start uint64, count int, glob string) (entries []journal.Entry, next uint64, err error)
	TermOf(index uint64) (uint64, error)
}

// Resilverer handles the QUARKDB_START_RESILVERING family, handed off
// wholesale since the resilvering protocol is stateful per connection.
type Resilverer interface {
	HandleStart(args [][]byte) (resp.Reply, error)
	HandleCopyFile(args [][]byte) (resp.Reply, error)
	HandleFinish(args [][]byte) (resp.Reply, error)
	HandleCancel(args [][]byte) (resp.Reply, error)
}

// Dispatcher routes one parsed request to its handler and returns the
// reply to write back to the client.
type Dispatcher struct {
	director     Director
	jrnl         JournalReader
	store        StateMachine
	resilverer   Resilverer
	writeTimeout time.Duration
	selfID       string
	broker       *Broker
}

// Option configures optional pieces of a Dispatcher.
type Option func(*Dispatcher)

func WithResilverer(r Resilverer) Option {
	return func(d *Dispatcher) { d.resilverer = r }
}

// WithStateMachine wires the local replica's state machine in, enabling
// stale reads (GET and friends answered from local state without
// waiting on the log) and giving dispatchRead something to call.
func WithStateMachine(s StateMachine) Option {
	return func(d *Dispatcher) { d.store = s }
}

func WithWriteTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.writeTimeout = t }
}

// New builds a Dispatcher for one node.
func New(selfID string, director Director, jrnl JournalReader, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		selfID:       selfID,
		director:     director,
		jrnl:         jrnl,
		writeTimeout: 5 * time.Second,
		broker:       NewBroker(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var writeCommands = map[string]bool{
	"SET": true, "DEL": true, "INCR": true,
	"HSET": true, "HDEL": true,
	"SADD": true, "SREM": true,
	"LHSET": true, "LHDEL": true,
	"DEQUE-PUSH-FRONT": true, "DEQUE-PUSH-BACK": true,
	"DEQUE-POP-FRONT": true, "DEQUE-POP-BACK": true,
	"LEASE-ACQUIRE": true, "LEASE-RENEW": true, "LEASE-RELEASE": true,
}

// readCommands never touch the log: answered directly from whatever the
// local replica has applied, which is what makes stale reads on a
// follower possible at all.
var readCommands = map[string]bool{
	"GET": true, "HGET": true, "HGETALL": true,
	"SMEMBERS": true, "SISMEMBER": true,
	"LHGET": true, "DEQUE-LEN": true, "LEASE-GET": true,
}

// Dispatch routes request to the appropriate handler family. conn may
// be nil for commands that never touch pub/sub (it is only consulted by
// SUBSCRIBE/UNSUBSCRIBE).
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, request [][]byte) resp.Reply {
	if len(request) == 0 {
		return resp.ErrReply{Message: "ERR empty request"}
	}
	cmd := strings.ToUpper(string(request[0]))
	timer := metrics.NewTimer()
	reply := d.dispatch(ctx, conn, cmd, request)
	timer.ObserveVec(metrics.CommandDuration, cmd)
	outcome := "ok"
	if _, isErr := reply.(resp.ErrReply); isErr {
		outcome = "error"
	}
	metrics.CommandsTotal.WithLabelValues(cmd, outcome).Inc()
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, conn *Conn, cmd string, request [][]byte) resp.Reply {
	switch {
	case strings.HasPrefix(cmd, "RAFT_"):
		return d.dispatchRaft(cmd, request)
	case strings.HasPrefix(cmd, "QUARKDB_"):
		return d.dispatchResilvering(cmd, request)
	case cmd == "PUBLISH":
		return d.handlePublish(request)
	case cmd == "SUBSCRIBE":
		return d.handleSubscribe(conn, request)
	case cmd == "UNSUBSCRIBE":
		return d.handleUnsubscribe(conn, request)
	case readCommands[cmd]:
		return d.dispatchRead(request)
	case writeCommands[cmd]:
		return d.dispatchWrite(ctx, request)
	default:
		return d.dispatchWrite(ctx, request)
	}
}

// dispatchRead answers a read-only command from the local replica's
// current applied state, without submitting anything through the
// director -- this is what lets a follower serve GET while the leader
// holds the log.
func (d *Dispatcher) dispatchRead(request [][]byte) resp.Reply {
	if d.store == nil {
		return resp.ErrReply{Message: "ERR this node has no state machine attached"}
	}
	reply, err := d.store.Apply(d.store.LastApplied(), request)
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}
	return toReply(reply)
}

// UnsubscribeAll releases every subscription conn held. Call this when
// the underlying connection closes.
func (d *Dispatcher) UnsubscribeAll(conn *Conn) {
	d.broker.UnsubscribeAll(conn.id)
}

func (d *Dispatcher) handlePublish(request [][]byte) resp.Reply {
	if len(request) != 3 {
		return resp.ErrReply{Message: "ERR PUBLISH requires a channel and a message"}
	}
	delivered := d.broker.Publish(string(request[1]), request[2])
	return int64(delivered)
}

func (d *Dispatcher) handleSubscribe(conn *Conn, request [][]byte) resp.Reply {
	if conn == nil {
		return resp.ErrReply{Message: "ERR SUBSCRIBE requires a stateful connection"}
	}
	if len(request) < 2 {
		return resp.ErrReply{Message: "ERR SUBSCRIBE requires at least one channel"}
	}
	for _, ch := range request[1:] {
		d.broker.Subscribe(string(ch), conn.id, conn.out)
	}
	return resp.SimpleString("OK")
}

func (d *Dispatcher) handleUnsubscribe(conn *Conn, request [][]byte) resp.Reply {
	if conn == nil {
		return resp.ErrReply{Message: "ERR UNSUBSCRIBE requires a stateful connection"}
	}
	if len(request) < 2 {
		return resp.ErrReply{Message: "ERR UNSUBSCRIBE requires at least one channel"}
	}
	for _, ch := range request[1:] {
		d.broker.Unsubscribe(string(ch), conn.id)
	}
	return resp.SimpleString("OK")
}

// dispatchWrite submits a command through the Raft log and waits for it
// to be applied, translating a non-leader director into the standard
// MOVED/unavailable replies a client expects.
func (d *Dispatcher) dispatchWrite(ctx context.Context, request [][]byte) resp.Reply {
	ch, err := d.director.SubmitWrite(request)
	if err != nil {
		return notLeaderReply(d.director.Snapshot())
	}

	timeout := d.writeTimeout
	select {
	case res := <-ch:
		if res.Err != nil {
			return resp.ErrReply{Message: "ERR " + res.Err.Error()}
		}
		return toReply(res.Reply)
	case <-time.After(timeout):
		return resp.ErrReply{Message: "ERR timed out waiting for commit"}
	case <-ctx.Done():
		return resp.ErrReply{Message: "ERR " + ctx.Err().Error()}
	}
}

func notLeaderReply(snap raft.Snapshot) resp.Reply {
	if snap.Leader != "" {
		return resp.ErrReply{Message: fmt.Sprintf("MOVED %s", snap.Leader)}
	}
	return resp.ErrReply{Message: "ERR unavailable, no leader known, retry"}
}

func bulkArray(parts [][]byte) resp.Reply {
	out := make([]resp.Reply, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func toReply(v interface{}) resp.Reply {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case map[string][]byte:
		out := make([]resp.Reply, 0, len(t)*2)
		for k, val := range t {
			out = append(out, k, val)
		}
		return out
	case []string:
		out := make([]resp.Reply, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return t
	}
}

func (d *Dispatcher) dispatchRaft(cmd string, request [][]byte) resp.Reply {
	switch cmd {
	case "RAFT_INFO":
		return d.handleRaftInfo()
	case "RAFT_FETCH":
		return d.handleRaftFetch(request)
	case "RAFT_FETCH_LAST":
		return d.handleRaftFetchLast(request)
	case "RAFT_JOURNAL_SCAN":
		return d.handleJournalScan(request)
	case "RAFT_ADD_OBSERVER":
		return d.handleMembershipChange(cluster.AddObserver, request)
	case "RAFT_PROMOTE_OBSERVER":
		return d.handleMembershipChange(cluster.PromoteObserver, request)
	case "RAFT_REMOVE_MEMBER":
		return d.handleMembershipChange(cluster.RemoveMember, request)
	case "RAFT_REQUEST_VOTE":
		return d.handleRequestVote(request)
	case "RAFT_APPEND_ENTRIES":
		return d.handleAppendEntries(request)
	case "RAFT_ATTEMPT_COUP":
		return resp.ErrReply{Message: "ERR attempt-coup not supported by this node"}
	default:
		return resp.ErrReply{Message: fmt.Sprintf("ERR unknown raft command %q", cmd)}
	}
}

func (d *Dispatcher) handleRaftInfo() resp.Reply {
	snap := d.director.Snapshot()
	m := d.jrnl.GetMembership()
	out := []resp.Reply{
		"TERM", int64(snap.Term),
		"ROLE", snap.Role.String(),
		"LEADER", snap.Leader,
		"LOG_START", int64(d.jrnl.LogStart()),
		"LOG_SIZE", int64(d.jrnl.LogSize()),
		"COMMIT_INDEX", int64(d.jrnl.GetCommitIndex()),
		"FULL_MEMBERS", strings.Join(m.FullMembers, ","),
		"OBSERVERS", strings.Join(m.Observers, ","),
	}
	return out
}

func (d *Dispatcher) handleRaftFetch(request [][]byte) resp.Reply {
	if len(request) != 2 {
		return resp.ErrReply{Message: "ERR RAFT_FETCH requires an index"}
	}
	idx, err := strconv.ParseUint(string(request[1]), 10, 64)
	if err != nil {
		return resp.ErrReply{Message: "ERR invalid index"}
	}
	entry, err := d.jrnl.Fetch(idx)
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}
	return []resp.Reply{int64(entry.Term), bulkArray(entry.Request)}
}

func (d *Dispatcher) handleRaftFetchLast(request [][]byte) resp.Reply {
	count := 1
	if len(request) == 2 {
		n, err := strconv.Atoi(string(request[1]))
		if err != nil || n <= 0 {
			return resp.ErrReply{Message: "ERR invalid count"}
		}
		count = n
	}
	size := d.jrnl.LogSize()
	start := uint64(0)
	if size > uint64(count) {
		start = size - uint64(count)
	}
	entries, _, err := d.jrnl.ScanContents(start, count, "")
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}
	out := make([]resp.Reply, len(entries))
	for i, e := range entries {
		out[i] = bulkArray(e.Request)
	}
	return out
}

func (d *Dispatcher) handleJournalScan(request [][]byte) resp.Reply {
	if len(request) < 3 {
		return resp.ErrReply{Message: "ERR RAFT_JOURNAL_SCAN requires cursor and count"}
	}
	start, err := strconv.ParseUint(string(request[1]), 10, 64)
	if err != nil {
		return resp.ErrReply{Message: "ERR invalid cursor"}
	}
	count, err := strconv.Atoi(string(request[2]))
	if err != nil || count <= 0 {
		return resp.ErrReply{Message: "ERR invalid count"}
	}
	glob := ""
	if len(request) >= 4 {
		glob = string(request[3])
	}
	entries, next, err := d.jrnl.ScanContents(start, count, glob)
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}
	out := make([]resp.Reply, 0, len(entries)+1)
	out = append(out, int64(next))
	for _, e := range entries {
		out = append(out, bulkArray(e.Request))
	}
	return out
}

func (d *Dispatcher) handleMembershipChange(kind cluster.ChangeKind, request [][]byte) resp.Reply {
	if len(request) != 2 {
		return resp.ErrReply{Message: "ERR membership command requires exactly one node argument"}
	}
	node := string(request[1])
	m := d.jrnl.GetMembership()
	commitIndex := d.jrnl.GetCommitIndex()

	match := cluster.MatchIndices(d.director.MatchIndices())

	hasInFlightChange := m.Epoch > commitIndex
	full, observers, err := cluster.Decide(kind, d.selfID, node, m, commitIndex, match, hasInFlightChange)
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}

	ch, err := d.director.ChangeMembership(full, observers)
	if err != nil {
		return notLeaderReply(d.director.Snapshot())
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return resp.ErrReply{Message: "ERR " + res.Err.Error()}
		}
		return resp.SimpleString("OK")
	case <-time.After(d.writeTimeout):
		return resp.ErrReply{Message: "ERR timed out waiting for commit"}
	}
}

// handleRequestVote decodes a peer's RAFT_REQUEST_VOTE RPC off the wire
// and hands it to the director, which applies the same DecideVote rule a
// local candidate's RunRound relies on. Wire shape: term, candidateID,
// lastIndex, lastTerm, phase (0 = pre-vote, 1 = binding).
func (d *Dispatcher) handleRequestVote(request [][]byte) resp.Reply {
	if len(request) != 6 {
		return resp.ErrReply{Message: "ERR RAFT_REQUEST_VOTE requires term, candidate, lastIndex, lastTerm, phase"}
	}
	term, err1 := strconv.ParseUint(string(request[1]), 10, 64)
	lastIndex, err2 := strconv.ParseUint(string(request[3]), 10, 64)
	lastTerm, err3 := strconv.ParseUint(string(request[4]), 10, 64)
	phase, err4 := strconv.Atoi(string(request[5]))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return resp.ErrReply{Message: "ERR malformed RAFT_REQUEST_VOTE"}
	}

	resVote, err := d.director.HandleVoteRequest(raft.VoteRequest{
		Term:        term,
		CandidateID: string(request[2]),
		LastIndex:   lastIndex,
		LastTerm:    lastTerm,
		Phase:       raft.Phase(phase),
	})
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}
	return []resp.Reply{int64(resVote.Term), int64(resVote.Kind)}
}

// handleAppendEntries decodes a peer's RAFT_APPEND_ENTRIES RPC. Wire
// shape: term, leaderID, prevIndex, prevTerm, commitIndex, entryCount,
// then entryCount groups of (index, term, argCount, arg...).
func (d *Dispatcher) handleAppendEntries(request [][]byte) resp.Reply {
	if len(request) < 6 {
		return resp.ErrReply{Message: "ERR RAFT_APPEND_ENTRIES requires at least 6 fields"}
	}
	term, err := strconv.ParseUint(string(request[1]), 10, 64)
	if err != nil {
		return resp.ErrReply{Message: "ERR malformed term"}
	}
	leaderID := string(request[2])
	prevIndex, err := strconv.ParseUint(string(request[3]), 10, 64)
	if err != nil {
		return resp.ErrReply{Message: "ERR malformed prevIndex"}
	}
	prevTerm, err := strconv.ParseUint(string(request[4]), 10, 64)
	if err != nil {
		return resp.ErrReply{Message: "ERR malformed prevTerm"}
	}
	commitIndex, err := strconv.ParseUint(string(request[5]), 10, 64)
	if err != nil {
		return resp.ErrReply{Message: "ERR malformed commitIndex"}
	}

	entries, err := decodeEntries(request[6:])
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}

	ae, err := d.director.HandleAppendEntries(raft.AppendEntriesRequest{
		Term:        term,
		LeaderID:    leaderID,
		PrevIndex:   prevIndex,
		PrevTerm:    prevTerm,
		CommitIndex: commitIndex,
		Entries:     entries,
	})
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}
	outcome := int64(0)
	if ae.Outcome {
		outcome = 1
	}
	return []resp.Reply{int64(ae.Term), outcome, int64(ae.LogSize)}
}

// decodeEntries parses the trailing entryCount groups off an
// AppendEntries wire request. Each group is (index, term, argCount,
// arg...).
func decodeEntries(fields [][]byte) ([]journal.Entry, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	count, err := strconv.Atoi(string(fields[0]))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("malformed entry count")
	}
	fields = fields[1:]
	entries := make([]journal.Entry, 0, count)
	for i := 0; i < count; i++ {
		if len(fields) < 3 {
			return nil, fmt.Errorf("truncated entry %d", i)
		}
		index, err := strconv.ParseUint(string(fields[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed entry index")
		}
		term, err := strconv.ParseUint(string(fields[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed entry term")
		}
		argCount, err := strconv.Atoi(string(fields[2]))
		if err != nil || argCount < 0 {
			return nil, fmt.Errorf("malformed entry arg count")
		}
		fields = fields[3:]
		if len(fields) < argCount {
			return nil, fmt.Errorf("truncated entry %d args", i)
		}
		args := make([][]byte, argCount)
		copy(args, fields[:argCount])
		fields = fields[argCount:]
		entries = append(entries, journal.Entry{Index: index, Term: term, Request: args})
	}
	return entries, nil
}

func (d *Dispatcher) dispatchResilvering(cmd string, request [][]byte) resp.Reply {
	if d.resilverer == nil {
		return resp.ErrReply{Message: "ERR resilvering not available on this connection"}
	}
	var (
		reply resp.Reply
		err   error
	)
	switch cmd {
	case "QUARKDB_START_RESILVERING":
		reply, err = d.resilverer.HandleStart(request)
	case "QUARKDB_RESILVERING_COPY_FILE":
		reply, err = d.resilverer.HandleCopyFile(request)
	case "QUARKDB_FINISH_RESILVERING":
		reply, err = d.resilverer.HandleFinish(request)
	case "QUARKDB_CANCEL_RESILVERING":
		reply, err = d.resilverer.HandleCancel(request)
	default:
		return resp.ErrReply{Message: fmt.Sprintf("ERR unknown command %q", cmd)}
	}
	if err != nil {
		return resp.ErrReply{Message: "ERR " + err.Error()}
	}
	return reply
}
