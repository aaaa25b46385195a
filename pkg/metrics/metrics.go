// Package metrics exposes the Prometheus collectors a node updates as
// it runs, following cuemby-warren's pkg/metrics layout: package-level
// vars created with the prometheus constructors, registered in init,
// served via promhttp.Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarkdb_raft_term",
			Help: "Current Raft term observed by this node",
		},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarkdb_raft_is_leader",
			Help: "Whether this node currently believes it is the Raft leader (1) or not (0)",
		},
	)

	RaftRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarkdb_raft_role",
			Help: "Current Raft role of this node, one gauge per role set to 1",
		},
		[]string{"role"},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarkdb_raft_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	RaftLastApplied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarkdb_raft_last_applied",
			Help: "Highest log index applied to the state machine",
		},
	)

	RaftLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarkdb_raft_log_size",
			Help: "Number of entries ever appended to the journal",
		},
	)

	ReplicaMatchIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarkdb_replica_match_index",
			Help: "Match index the leader holds for each replica",
		},
		[]string{"node"},
	)

	ReplicaOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarkdb_replica_online",
			Help: "Whether the leader currently considers a replica online (1) or not (0)",
		},
		[]string{"node"},
	)

	ElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarkdb_elections_total",
			Help: "Total number of election rounds run by this node, by outcome",
		},
		[]string{"outcome"},
	)

	ResilveringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarkdb_resilverings_total",
			Help: "Total number of resilvering transfers, by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	TrimmerEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarkdb_trimmer_entries_removed_total",
			Help: "Total number of journal entries removed by the trimmer",
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarkdb_commands_total",
			Help: "Total number of commands dispatched, by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarkdb_command_duration_seconds",
			Help:    "Time taken to service a dispatched command, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	RaftAppendEntriesDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarkdb_raft_append_entries_duration_seconds",
			Help:    "Time taken for a round-trip AppendEntries exchange with a replica",
			Buckets: prometheus.DefBuckets,
		},
	)

	LeaseValidityRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarkdb_lease_validity_remaining_seconds",
			Help: "Remaining validity of the current leader lease, in seconds (may be negative)",
		},
	)

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarkdb_connected_clients",
			Help: "Number of currently connected client sockets",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RaftTerm,
		RaftIsLeader,
		RaftRole,
		RaftCommitIndex,
		RaftLastApplied,
		RaftLogSize,
		ReplicaMatchIndex,
		ReplicaOnline,
		ElectionsTotal,
		ResilveringsTotal,
		TrimmerEntriesTotal,
		CommandsTotal,
		CommandDuration,
		RaftAppendEntriesDuration,
		LeaseValidityRemaining,
		ConnectedClients,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation against a histogram, mirroring the
// ergonomics of prometheus.NewTimer without tying the caller to a
// specific collector at construction time.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveSeconds(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
