// Package stats exposes mercury's pipeline counters as prometheus metrics.
// The counters are registered on the default registry; whether anything
// scrapes them is up to the embedding process.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsProcessed counts packets handed to a worker.
	PacketsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercury_packets_processed_total",
		Help: "Packets dissected by worker threads",
	})

	// RecordsWritten counts records emitted by the writer thread.
	RecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercury_records_written_total",
		Help: "Records written to the output file",
	})

	// RingDrops counts messages dropped because a ring slot was occupied
	// in non-blocking mode, or because the payload exceeded the slot size.
	RingDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercury_ring_drops_total",
		Help: "Messages dropped due to a full ring in non-blocking mode or an oversized payload",
	})

	// Rotations counts output file rotations.
	Rotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercury_output_rotations_total",
		Help: "Output file rotations",
	})

	// ReassemblyReaps counts reassembly segments expired under pressure.
	ReassemblyReaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercury_reassembly_reaps_total",
		Help: "Reassembly segments reaped before completion",
	})

	// StaleFlushes counts messages flushed past the merge staleness horizon.
	StaleFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercury_stale_flushes_total",
		Help: "Messages flushed after exceeding the merge max age",
	})
)
