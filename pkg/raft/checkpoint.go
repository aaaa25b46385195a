package raft

import "path/filepath"

// CheckpointSource is anything that can write a consistent copy of its
// database to a path -- journal.Journal and statemachine.Store both
// implement this via CheckpointTo.
type CheckpointSource interface {
	CheckpointTo(path string) error
}

// DatabaseCheckpoint implements Checkpoint over a node's two durable
// databases: the journal and the state machine.
type DatabaseCheckpoint struct {
	Journal      CheckpointSource
	StateMachine CheckpointSource
}

// Take writes both databases into dir and reports their relative paths.
func (c *DatabaseCheckpoint) Take(dir string) ([]string, error) {
	journalPath := filepath.Join(dir, "journal.db")
	statePath := filepath.Join(dir, "state.db")
	if err := c.Journal.CheckpointTo(journalPath); err != nil {
		return nil, err
	}
	if err := c.StateMachine.CheckpointTo(statePath); err != nil {
		return nil, err
	}
	return []string{"journal.db", "state.db"}, nil
}
