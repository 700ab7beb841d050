package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the journal's prometheus instrumentation, grounded on the
// promauto.NewGauge/NewCounter style friggdb/pool.Pool uses for its own
// queue-depth gauges.
type Metrics struct {
	blocksCommitted     prometheus.Counter
	entriesCommitted    prometheus.Counter
	diskFull            prometheus.Counter
	overflows           prometheus.Counter
	slabCommitRequests  prometheus.Counter
	readOnlyTransitions prometheus.Counter
	logicalBlocksUsed   prometheus.Gauge
	availableSpace      prometheus.Gauge
}

// NewMetrics registers a fresh set of journal metrics with reg. If reg is
// nil the metrics are created but not registered anywhere (promauto.With
// with a nil registerer); pass nil or prometheus.NewRegistry() in tests to
// avoid collisions across multiple Journal instances in the same process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		blocksCommitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vdo",
			Subsystem: "recovery_journal",
			Name:      "blocks_committed_total",
			Help:      "Number of recovery journal blocks committed to disk.",
		}),
		entriesCommitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vdo",
			Subsystem: "recovery_journal",
			Name:      "entries_committed_total",
			Help:      "Number of recovery journal entries committed to disk.",
		}),
		diskFull: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vdo",
			Subsystem: "recovery_journal",
			Name:      "disk_full_total",
			Help:      "Number of times entry assignment found no room in the journal.",
		}),
		overflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vdo",
			Subsystem: "recovery_journal",
			Name:      "sequence_overflows_total",
			Help:      "Number of times the journal sequence number would have exceeded 2^48.",
		}),
		slabCommitRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vdo",
			Subsystem: "recovery_journal",
			Name:      "slab_journal_commits_requested_total",
			Help:      "Number of times the journal asked the slab depot to commit its oldest tail block.",
		}),
		readOnlyTransitions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vdo",
			Subsystem: "recovery_journal",
			Name:      "read_only_transitions_total",
			Help:      "Number of times the journal entered read-only mode.",
		}),
		logicalBlocksUsed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "vdo",
			Subsystem: "recovery_journal",
			Name:      "logical_blocks_used",
			Help:      "Current number of logical blocks in use.",
		}),
		availableSpace: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "vdo",
			Subsystem: "recovery_journal",
			Name:      "available_space_entries",
			Help:      "Current number of free entry slots in the recovery journal.",
		}),
	}
}

func (m *Metrics) onBlockCommitted(entries int) {
	if m == nil {
		return
	}
	m.blocksCommitted.Inc()
	m.entriesCommitted.Add(float64(entries))
}

func (m *Metrics) onDiskFull() {
	if m == nil {
		return
	}
	m.diskFull.Inc()
}

func (m *Metrics) onOverflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *Metrics) onSlabCommitRequested() {
	if m == nil {
		return
	}
	m.slabCommitRequests.Inc()
}

func (m *Metrics) onReadOnly() {
	if m == nil {
		return
	}
	m.readOnlyTransitions.Inc()
}

func (m *Metrics) setLogicalBlocksUsed(v uint64) {
	if m == nil {
		return
	}
	m.logicalBlocksUsed.Set(float64(v))
}

func (m *Metrics) setAvailableSpace(v int64) {
	if m == nil {
		return
	}
	m.availableSpace.Set(float64(v))
}
