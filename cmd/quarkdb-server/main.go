// Command quarkdb-server runs one node of a replicated key-value store:
// standalone (no Raft, single process), raft (full replicated node) or
// bulkload (offline dump replay), selected by the config file's mode
// key. Grounded on the teacher's cmd/server/main.go (flag parsing,
// component wiring, signal-driven graceful shutdown), generalised from
// flag.* to a cobra root command and a YAML config file, and from
// *log.Logger to zerolog, matching the rest of this module's ambient
// stack.
package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gbitzes/quarkdb-go/pkg/bulkload"
	"github.com/gbitzes/quarkdb-go/pkg/config"
	"github.com/gbitzes/quarkdb-go/pkg/dispatcher"
	"github.com/gbitzes/quarkdb-go/pkg/journal"
	"github.com/gbitzes/quarkdb-go/pkg/raft"
	"github.com/gbitzes/quarkdb-go/pkg/rafttransport"
	"github.com/gbitzes/quarkdb-go/pkg/server"
	"github.com/gbitzes/quarkdb-go/pkg/statemachine"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "quarkdb-server",
	Short: "quarkdb-server runs one node of a replicated, strongly-consistent key-value store",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the node's YAML configuration file")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Trace)

	switch cfg.Mode {
	case config.ModeBulkload:
		return runBulkload(cfg, log)
	case config.ModeStandalone:
		return runNode(cfg, log, nil)
	case config.ModeRaft:
		return runNode(cfg, log, newRaftTransport(log))
	default:
		return fmt.Errorf("main: unhandled mode %q", cfg.Mode)
	}
}

func newLogger(trace config.Trace) zerolog.Logger {
	level := zerolog.InfoLevel
	switch trace {
	case config.TraceDebug:
		level = zerolog.DebugLevel
	case config.TraceInfo, config.TraceNotice:
		level = zerolog.InfoLevel
	case config.TraceWarning:
		level = zerolog.WarnLevel
	case config.TraceError:
		level = zerolog.ErrorLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func runBulkload(cfg *config.Config, log zerolog.Logger) error {
	stateDir := filepath.Join(cfg.Database, "current", "state-machine")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	store, err := statemachine.Open(stateDir, nil)
	if err != nil {
		return fmt.Errorf("main: open state machine: %w", err)
	}
	defer store.Close()

	f, err := os.Open(cfg.BulkloadInputFile)
	if err != nil {
		return fmt.Errorf("main: open bulkload input: %w", err)
	}
	defer f.Close()

	stats, err := bulkload.Run(f, store, log)
	log.Info().Uint64("applied", stats.CommandsApplied).Uint64("errors", stats.Errors).Msg("bulkload: finished")
	return err
}

// transportPair bundles the two RPC surfaces a raft node needs to talk to
// its peers; nil in standalone mode, where there are no peers.
type transportPair struct {
	votes *rafttransport.Client
	repl  *rafttransport.Client
}

func newRaftTransport(log zerolog.Logger) *transportPair {
	client := rafttransport.New(log)
	return &transportPair{votes: client, repl: client}
}

func runNode(cfg *config.Config, log zerolog.Logger, transport *transportPair) error {
	journalDir := filepath.Join(cfg.Database, "current", "raft-journal")
	stateDir := filepath.Join(cfg.Database, "current", "state-machine")
	if err := os.MkdirAll(journalDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}

	jrnl, err := journal.Open(journalDir, cfg.ClusterID, log.With().Str("component", "journal").Logger())
	if err != nil {
		return fmt.Errorf("main: open journal: %w", err)
	}
	defer jrnl.Close()

	store, err := statemachine.Open(stateDir, nil)
	if err != nil {
		return fmt.Errorf("main: open state machine: %w", err)
	}
	defer store.Close()

	if cfg.Mode == config.ModeRaft {
		if err := maybeBootstrap(jrnl, cfg.BootstrapMembers); err != nil {
			return err
		}
	}

	var disp *dispatcher.Dispatcher
	var director *raft.Director

	if cfg.Mode == config.ModeStandalone {
		disp = dispatcher.New(cfg.Myself, &standaloneDirector{store: store}, jrnl, dispatcher.WithStateMachine(store))
	} else {
		membership := jrnl.GetMembership()
		quorum := membership.Quorum()
		if quorum == 0 {
			quorum = 1
		}

		state := raft.NewState(cfg.Myself)
		timeouts := raft.DefaultTimeouts()
		heartbeat := raft.NewHeartbeatTracker(timeouts)
		tk := raft.NewTimekeeper()
		lease := raft.NewLease(tk, timeouts.Low, quorum)

		tmpDir := filepath.Join(cfg.Database, "resilver-tmp")
		checkpoint := &raft.DatabaseCheckpoint{Journal: jrnl, StateMachine: store}
		buildResilverer := func(target string) *raft.Resilverer {
			return raft.NewResilverer(transport.repl, checkpoint, tmpDir)
		}

		director = raft.NewDirector(cfg.Myself, jrnl, state, heartbeat, lease, tk, store,
			transport.votes, transport.repl, buildResilverer, log.With().Str("component", "director").Logger())
		director.Start()
		defer director.Stop()

		trimmer := raft.NewTrimmer(jrnl, store, minMatchIndexOf(director), cfg.TrimKeepAtLeast,
			time.Duration(cfg.TrimIntervalSeconds)*time.Second, log.With().Str("component", "trimmer").Logger())
		trimmer.Start()
		defer trimmer.Stop()

		receiveTmpDir := filepath.Join(cfg.Database, "resilver-incoming")
		receiver := raft.NewResilveringReceiver(receiveTmpDir, installSnapshot(jrnl, store, journalDir, stateDir))
		resilverer := dispatcher.NewResilveringReceiverAdapter(receiver)

		disp = dispatcher.New(cfg.Myself, director, jrnl, dispatcher.WithResilverer(resilverer), dispatcher.WithStateMachine(store))
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.CertificatePath, cfg.KeyPath)
		if err != nil {
			return fmt.Errorf("main: load TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv := server.New(cfg.Myself, disp, log.With().Str("component", "server").Logger(), tlsConfig, cfg.MetricsAddress)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("main: start server: %w", err)
	}

	waitForShutdown(log)
	srv.Stop(10 * time.Second)
	return nil
}

// minMatchIndexOf returns the trimmer's floor function: the lowest match
// index across every currently replicated peer, or an unbounded ceiling
// when this node isn't leader (no trackers, nothing to protect).
func minMatchIndexOf(director *raft.Director) func() uint64 {
	return func() uint64 {
		indices := director.MatchIndices()
		if len(indices) == 0 {
			return ^uint64(0)
		}
		min := ^uint64(0)
		for _, idx := range indices {
			if idx < min {
				min = idx
			}
		}
		return min
	}
}

// maybeBootstrap seeds a fresh journal's membership entry directly,
// without going through Raft consensus -- there is no leader yet for a
// log that has nothing but the initial nil-request entry 0.
func maybeBootstrap(jrnl *journal.Journal, members []string) error {
	if len(members) == 0 {
		return nil
	}
	if jrnl.LogSize() > 1 {
		return nil
	}
	return jrnl.Append(1, 0, journal.EncodeMembershipRequest(members, nil))
}

// installSnapshot is handed to the ResilveringReceiver as the callback
// that swaps a finished transfer into place: close both databases and
// replace their files with the staged ones. It does not reopen them; it
// returns an error saying the node must be restarted.
func installSnapshot(jrnl *journal.Journal, store *statemachine.Store, journalDir, stateDir string) func(stagedDir string) error {
	return func(stagedDir string) error {
		if err := jrnl.Close(); err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(stagedDir, "journal.db"), filepath.Join(journalDir, "quarkdb.db")); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(stagedDir, "state.db"), filepath.Join(stateDir, "quarkdb.db")); err != nil {
			return err
		}
		// A resilvered node must restart to pick the swapped-in databases
		// back up through a fresh journal.Open/statemachine.Open: the
		// *Journal and *Store handles above stay closed deliberately.
		return fmt.Errorf("main: resilvering installed, node must be restarted to pick up the new state")
	}
}

func waitForShutdown(log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("main: shutdown signal received")
}

// standaloneDirector answers the dispatcher's Director interface in
// standalone mode by applying writes directly to the state machine,
// bypassing the journal and all Raft machinery entirely.
type standaloneDirector struct {
	store *statemachine.Store
}

func (s *standaloneDirector) SubmitWrite(request [][]byte) (<-chan raft.WriteResult, error) {
	ch := make(chan raft.WriteResult, 1)
	reply, err := s.store.Apply(s.store.LastApplied()+1, request)
	ch <- raft.WriteResult{Reply: reply, Err: err}
	return ch, nil
}

func (s *standaloneDirector) ChangeMembership(full, observers []string) (<-chan raft.WriteResult, error) {
	return nil, fmt.Errorf("main: membership changes are not meaningful in standalone mode")
}

func (s *standaloneDirector) Snapshot() raft.Snapshot {
	return raft.Snapshot{Role: raft.Leader}
}

func (s *standaloneDirector) ReplicationStatus() []raft.ReplicaStatus { return nil }

func (s *standaloneDirector) MatchIndices() map[string]uint64 { return nil }

func (s *standaloneDirector) HandleVoteRequest(req raft.VoteRequest) (raft.VoteResponse, error) {
	return raft.VoteResponse{}, fmt.Errorf("main: standalone node does not participate in elections")
}

func (s *standaloneDirector) HandleAppendEntries(req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return raft.AppendEntriesResponse{}, fmt.Errorf("main: standalone node does not accept replication")
}
