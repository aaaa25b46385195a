// Package bulkload implements the offline replay path used by
// "mode: bulkload": a line-oriented dump of RESP-framed write commands
// is applied directly to a standalone statemachine.Store, bypassing the
// Raft journal and replication entirely. Grounded on pkg/resp for
// framing and pkg/statemachine.Store.Apply for the actual mutation --
// there is no bulk loader in the teacher, so the index counter and
// progress log follow the same io.Reader-driven loop shape as
// pkg/journal's own ScanContents cursor.
package bulkload

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/gbitzes/quarkdb-go/pkg/resp"
	"github.com/gbitzes/quarkdb-go/pkg/statemachine"
)

// Stats summarises one Run.
type Stats struct {
	CommandsApplied uint64
	Errors          uint64
}

// Run reads RESP-framed requests from r until EOF, applying each one to
// store in sequence. index starts at 1 and increments once per command,
// standing in for the log index a Raft-replicated write would have had.
// A command that returns an error is counted but does not stop the run.
func Run(r io.Reader, store *statemachine.Store, log zerolog.Logger) (Stats, error) {
	reader := resp.NewReader(r)
	var stats Stats
	var index uint64
	batchStart := time.Now()

	for {
		request, err := reader.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("bulkload: malformed request at command %d: %w", stats.CommandsApplied+stats.Errors, err)
		}

		index++
		_, applyErr := store.Apply(index, request)
		if applyErr != nil {
			stats.Errors++
			log.Warn().Err(applyErr).Uint64("index", index).Msg("bulkload: command failed, continuing")
			continue
		}
		stats.CommandsApplied++
		if stats.CommandsApplied%100000 == 0 {
			log.Info().
				Uint64("applied", stats.CommandsApplied).
				Dur("elapsed_last_batch", time.Since(batchStart)).
				Msg("bulkload: progress")
			batchStart = time.Now()
		}
	}

	log.Info().
		Uint64("applied", stats.CommandsApplied).
		Uint64("errors", stats.Errors).
		Msg("bulkload: finished")
	return stats, nil
}
