package frag

import "github.com/emichael72/usb-eval/internal/metrics"

// Sink receives one flushed transmission batch. The pairs reference
// transient storage (the source frame in zero-copy mode, per-fragment
// consolidation buffers in copy mode) and must not be retained past the
// call.
type Sink func(pairs [][]byte)

// batch models a transport descriptor list: a bounded set of
// (pointer,length) pairs with a cumulative byte budget. It is built and
// flushed within a single fragmentation run.
type batch struct {
	pairs    [][]byte
	bytes    int
	maxPairs int
	maxBytes int
}

func newBatch(maxPairs, maxBytes int) batch {
	return batch{
		pairs:    make([][]byte, 0, maxPairs),
		maxPairs: maxPairs,
		maxBytes: maxBytes,
	}
}

// fits reports whether n more pairs totalling size bytes can be added
// without exceeding either cap.
func (b *batch) fits(n, size int) bool {
	return len(b.pairs)+n <= b.maxPairs && b.bytes+size <= b.maxBytes
}

// add appends one pair. The caller must have checked fits.
func (b *batch) add(p []byte) {
	b.pairs = append(b.pairs, p)
	b.bytes += len(p)
}

// flush hands the accumulated pairs to the sink and resets the batch.
// Flushing an empty batch is a no-op.
func (b *batch) flush(sink Sink) {
	if len(b.pairs) == 0 {
		return
	}
	sink(b.pairs)
	metrics.FragBatchesTotal.Inc()
	metrics.FragBatchBytes.Observe(float64(b.bytes))
	b.pairs = b.pairs[:0]
	b.bytes = 0
}
