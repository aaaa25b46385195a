package dispatcher

import (
	"github.com/gbitzes/quarkdb-go/pkg/raft"
	"github.com/gbitzes/quarkdb-go/pkg/resp"
)

// ResilveringReceiverAdapter decodes the QUARKDB_* resilvering wire
// commands and drives a raft.ResilveringReceiver, satisfying the
// Resilverer interface the dispatcher expects.
type ResilveringReceiverAdapter struct {
	receiver *raft.ResilveringReceiver
}

// NewResilveringReceiverAdapter wraps receiver for wire dispatch.
func NewResilveringReceiverAdapter(receiver *raft.ResilveringReceiver) *ResilveringReceiverAdapter {
	return &ResilveringReceiverAdapter{receiver: receiver}
}

// HandleStart decodes QUARKDB_START_RESILVERING <eventID>.
func (a *ResilveringReceiverAdapter) HandleStart(args [][]byte) (resp.Reply, error) {
	if len(args) != 2 {
		return nil, errResilverArgs("QUARKDB_START_RESILVERING requires an event id")
	}
	if err := a.receiver.Start(string(args[1])); err != nil {
		return nil, err
	}
	return resp.SimpleString("OK"), nil
}

// HandleCopyFile decodes QUARKDB_RESILVERING_COPY_FILE <eventID> <relativePath> <contents>.
func (a *ResilveringReceiverAdapter) HandleCopyFile(args [][]byte) (resp.Reply, error) {
	if len(args) != 4 {
		return nil, errResilverArgs("QUARKDB_RESILVERING_COPY_FILE requires event id, path and contents")
	}
	if err := a.receiver.CopyFile(string(args[1]), string(args[2]), args[3]); err != nil {
		return nil, err
	}
	return resp.SimpleString("OK"), nil
}

// HandleFinish decodes QUARKDB_FINISH_RESILVERING <eventID>.
func (a *ResilveringReceiverAdapter) HandleFinish(args [][]byte) (resp.Reply, error) {
	if len(args) != 2 {
		return nil, errResilverArgs("QUARKDB_FINISH_RESILVERING requires an event id")
	}
	if err := a.receiver.Finish(string(args[1])); err != nil {
		return nil, err
	}
	return resp.SimpleString("OK"), nil
}

// HandleCancel decodes QUARKDB_CANCEL_RESILVERING <eventID> <reason>.
func (a *ResilveringReceiverAdapter) HandleCancel(args [][]byte) (resp.Reply, error) {
	if len(args) != 3 {
		return nil, errResilverArgs("QUARKDB_CANCEL_RESILVERING requires an event id and a reason")
	}
	if err := a.receiver.Cancel(string(args[1]), string(args[2])); err != nil {
		return nil, err
	}
	return resp.SimpleString("OK"), nil
}

type errResilverArgs string

func (e errResilverArgs) Error() string { return string(e) }
