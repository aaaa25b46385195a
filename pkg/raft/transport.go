package raft

import (
	"context"
	"time"

	"github.com/gbitzes/quarkdb-go/pkg/journal"
)

// AppendEntriesRequest is what a leader sends a follower to replicate (or
// probe) its log, by construction.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevIndex    uint64
	PrevTerm     uint64
	CommitIndex  uint64
	Entries      []journal.Entry
}

// AppendEntriesResponse is the follower's reply.
type AppendEntriesResponse struct {
	Term    uint64
	Outcome bool
	LogSize uint64
	ErrMsg  string
}

// ReplicationTransport is what a replica tracker needs to talk to one
// target: AppendEntries plus the resilvering sub-protocol.
type ReplicationTransport interface {
	AppendEntries(ctx context.Context, target string, req AppendEntriesRequest) (AppendEntriesResponse, error)

	StartResilvering(ctx context.Context, target string, eventID string) error
	CopyResilveringFile(ctx context.Context, target string, eventID, relativePath string, contents []byte) error
	FinishResilvering(ctx context.Context, target string, eventID string) error
	CancelResilvering(ctx context.Context, target string, eventID, reason string) error
}

// ReplicationTimeout bounds how long a tracker waits for one RPC reply.
const ReplicationTimeout = 2 * time.Second
