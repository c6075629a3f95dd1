package capture

import (
	"io"
	"sync"

	"github.com/endorses/mercury/internal/pkg/dissect"
	"github.com/endorses/mercury/internal/pkg/flow"
	"github.com/endorses/mercury/internal/pkg/logger"
	"github.com/endorses/mercury/internal/pkg/worker"
)

// Dispatcher fans packets out to the workers. Packets of one flow always
// land on the same worker (in either direction), which keeps each
// reassembler self-contained.
type Dispatcher struct {
	workers []*worker.Worker
	chans   []chan flow.Packet
	wg      sync.WaitGroup
}

// NewDispatcher starts one goroutine per worker.
func NewDispatcher(workers []*worker.Worker) *Dispatcher {
	d := &Dispatcher{
		workers: workers,
		chans:   make([]chan flow.Packet, len(workers)),
	}
	for i := range workers {
		d.chans[i] = make(chan flow.Packet, 256)
		d.wg.Add(1)
		go func(w *worker.Worker, ch <-chan flow.Packet) {
			defer d.wg.Done()
			for pkt := range ch {
				w.ProcessPacket(&pkt)
			}
		}(workers[i], d.chans[i])
	}
	return d
}

// Run pumps the source dry, then closes the worker channels and waits for
// the workers to drain.
func (d *Dispatcher) Run(src Source) error {
	defer d.shutdown()
	for {
		pkt, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			logger.Error("Capture read failed", "error", err)
			return err
		}
		d.chans[d.pick(&pkt)] <- pkt
	}
}

func (d *Dispatcher) shutdown() {
	for _, ch := range d.chans {
		close(ch)
	}
	d.wg.Wait()
}

// pick hashes the flow key symmetrically so both directions of a
// connection share a worker.
func (d *Dispatcher) pick(pkt *flow.Packet) int {
	if len(d.workers) == 1 {
		return 0
	}
	dec, ok := dissect.Decode(pkt.Data, pkt.LinkType)
	if !ok {
		return 0
	}
	h := fnvMix(dec.Key.SrcAddr) ^ fnvMix(dec.Key.DstAddr)
	h ^= uint32(dec.Key.SrcPort) ^ uint32(dec.Key.DstPort)
	h ^= uint32(dec.Key.Protocol)
	return int(h % uint32(len(d.workers)))
}

func fnvMix(addr [16]byte) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for _, b := range addr {
		h ^= uint32(b)
		h *= prime32
	}
	return h
}
