package raft

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Checkpoint produces a consistent snapshot of both the journal and the
// state machine into a temporary directory, and is walked file-by-file
// during resilvering. DatabaseCheckpoint is the concrete
// implementation that checkpoints the journal and state machine bbolt
// databases.
type Checkpoint interface {
	// Take writes a consistent checkpoint into dir and returns the list of
	// files (relative paths) it wrote.
	Take(dir string) ([]string, error)
}

// Resilverer drives a single whole-state transfer to a far-behind peer.
type Resilverer struct {
	transport ReplicationTransport
	checkpoint Checkpoint
	tmpDir    string
}

// NewResilverer constructs a Resilverer that uses tmpDir as scratch space
// for checkpoints.
func NewResilverer(transport ReplicationTransport, checkpoint Checkpoint, tmpDir string) *Resilverer {
	return &Resilverer{transport: transport, checkpoint: checkpoint, tmpDir: tmpDir}
}

// Run executes one resilvering attempt against target, per the five steps
// of the resilvering protocol. On any failure it sends RESILVERING_CANCEL and returns
// the error; the caller is expected to retry later.
func (r *Resilverer) Run(ctx context.Context, target string) error {
	eventID := uuid.NewString()

	if err := r.transport.StartResilvering(ctx, target, eventID); err != nil {
		r.cancel(ctx, target, eventID, err)
		return fmt.Errorf("resilver: start: %w", err)
	}

	dir := filepath.Join(r.tmpDir, "resilver-"+eventID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		r.cancel(ctx, target, eventID, err)
		return err
	}
	defer os.RemoveAll(dir)

	files, err := r.checkpoint.Take(dir)
	if err != nil {
		r.cancel(ctx, target, eventID, err)
		return fmt.Errorf("resilver: checkpoint: %w", err)
	}

	for _, rel := range files {
		contents, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			r.cancel(ctx, target, eventID, err)
			return fmt.Errorf("resilver: read %s: %w", rel, err)
		}
		if err := r.transport.CopyResilveringFile(ctx, target, eventID, rel, contents); err != nil {
			r.cancel(ctx, target, eventID, err)
			return fmt.Errorf("resilver: copy %s: %w", rel, err)
		}
	}

	if err := r.transport.FinishResilvering(ctx, target, eventID); err != nil {
		r.cancel(ctx, target, eventID, err)
		return fmt.Errorf("resilver: finish: %w", err)
	}
	return nil
}

func (r *Resilverer) cancel(ctx context.Context, target, eventID string, reason error) {
	_ = r.transport.CancelResilvering(ctx, target, eventID, reason.Error())
}
