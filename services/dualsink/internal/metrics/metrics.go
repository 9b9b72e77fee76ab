package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckpointHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualsink_checkpoint_height",
			Help: "Finalized height in the relational sink",
		},
	)

	FileHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualsink_file_height",
			Help: "Highest height recorded by the file sink",
		},
	)

	HotBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualsink_hot_blocks",
			Help: "Unfinalized blocks held in the relational sink",
		},
	)

	ChunkBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualsink_chunk_bytes",
			Help: "Encoded bytes buffered and not yet flushed",
		},
	)

	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualsink_commits_total",
			Help: "Committed transactions",
		},
		[]string{"kind"},
	)

	CommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dualsink_commit_duration_seconds",
			Help:    "Time from validation to relational commit",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"kind"},
	)

	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dualsink_serialization_retries_total",
			Help: "Relational commits retried after a serialization failure",
		},
	)

	FlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dualsink_flushes_total",
			Help: "Chunk folders written",
		},
	)

	FlushBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dualsink_flush_bytes_total",
			Help: "Encoded bytes written to chunk folders before compression",
		},
	)

	RolledBackBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dualsink_rolled_back_blocks_total",
			Help: "Hot blocks undone by reorgs",
		},
	)

	EntityMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualsink_entity_mutations_total",
			Help: "Persisted entity mutations",
		},
		[]string{"kind", "op"},
	)

	SourceBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dualsink_source_blocks_total",
			Help: "Blocks read from the block source",
		},
	)
)
