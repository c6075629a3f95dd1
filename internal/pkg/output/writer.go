package output

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/endorses/mercury/internal/pkg/constants"
	"github.com/endorses/mercury/internal/pkg/llq"
	"github.com/endorses/mercury/internal/pkg/logger"
	"github.com/endorses/mercury/internal/pkg/stats"
)

// Writer is the single consumer of every worker ring. It merges messages
// in timestamp order through the tournament tree, flushing messages older
// than MaxAge even when a silent ring prevents a strictly ordered merge.
type Writer struct {
	queues []*llq.RingBuffer
	rot    *Rotator
	maxAge time.Duration

	mu      sync.Mutex
	started bool
	gate    *sync.Cond

	stop atomic.Bool
	done chan struct{}

	// now is replaceable for tests.
	now func() time.Time
}

// NewWriter builds the writer over the given rings.
func NewWriter(queues []*llq.RingBuffer, rot *Rotator) *Writer {
	w := &Writer{
		queues: queues,
		rot:    rot,
		maxAge: constants.MaxMessageAge,
		done:   make(chan struct{}),
		now:    time.Now,
	}
	w.gate = sync.NewCond(&w.mu)
	return w
}

// Start opens the output gate. The orchestration layer calls this once,
// after privilege drop; before that, workers may already be filling (and
// overflowing) their rings.
func (w *Writer) Start() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	w.gate.Broadcast()
}

// Stop asks the writer to drain every ring and exit.
func (w *Writer) Stop() {
	// Taking the gate lock orders the flag store against the gate check,
	// so a writer about to Wait cannot miss the wakeup.
	w.mu.Lock()
	w.stop.Store(true)
	w.mu.Unlock()
	w.gate.Broadcast()
}

// Wait blocks until the writer loop has exited.
func (w *Writer) Wait() { <-w.done }

// Run is the writer thread body.
func (w *Writer) Run() {
	defer close(w.done)

	// Output gate: no file is opened before the start signal.
	w.mu.Lock()
	for !w.started && !w.stop.Load() {
		w.gate.Wait()
	}
	w.mu.Unlock()
	if w.stop.Load() && !w.started {
		return
	}

	if err := w.rot.Open(); err != nil {
		logger.Error("Cannot open output file; writer exiting", "error", err)
		return
	}
	defer func() {
		if err := w.rot.Close(); err != nil {
			logger.Error("Closing output file failed", "error", err)
		}
	}()

	tree := llq.NewTournament(w.queues)
	for {
		consumed := false

		// Ordered drain: consume winners while every ring can vouch for
		// global order (no empty ring seen on the replay path).
		tree.ResetStall()
		tree.Init()
		for !tree.Stalled() {
			if !w.consumeRoot(tree) {
				break
			}
			consumed = true
		}

		// Stall handling: anything older than the staleness horizon goes
		// out now, ordered or not.
		threshold := w.now().Add(-w.maxAge)
		thSec, thNsec := threshold.Unix(), int64(threshold.Nanosecond())
		for {
			root := tree.Root()
			if root < 0 || !w.queues[root].FrontReady() {
				break
			}
			sec, nsec := w.queues[root].FrontTime()
			if sec > thSec || (sec == thSec && nsec >= thNsec) {
				break
			}
			if !w.consumeRoot(tree) {
				break
			}
			stats.StaleFlushes.Inc()
			consumed = true
		}

		if !consumed && w.stop.Load() {
			w.drainAll(tree)
			return
		}
		if !consumed {
			// Push buffered records to the file before idling, so output
			// does not sit in memory while the rings are quiet.
			if w.rot.file != nil && w.rot.bw.Buffered() > 0 {
				if err := w.rot.bw.Flush(); err != nil {
					logger.Warn("Flushing output file failed", "error", err)
				}
			}
			time.Sleep(constants.WriterIdleSleep)
		}
	}
}

// consumeRoot writes the root ring's front message and replays the
// tournament path. Returns false when there was nothing to consume or the
// writer must die.
func (w *Writer) consumeRoot(tree *llq.Tournament) bool {
	root := tree.Root()
	if root < 0 || !w.queues[root].FrontReady() {
		return false
	}
	err := w.queues[root].PopFront(w.rot.Write)
	if err != nil {
		// One rotation attempt; a second failure ends the writer.
		logger.Warn("Output write failed; attempting rotation", "error", err)
		if rerr := w.rot.rotate(); rerr != nil {
			logger.Error("Output rotation failed; writer terminating", "error", rerr)
			w.stop.Store(true)
			return false
		}
	}
	tree.Replay(root)
	return true
}

// drainAll flushes every remaining message regardless of age, then
// returns; used on shutdown.
func (w *Writer) drainAll(tree *llq.Tournament) {
	for {
		tree.ResetStall()
		tree.Init()
		any := false
		for w.consumeRoot(tree) {
			any = true
		}
		if !any {
			return
		}
	}
}
