// Package frag implements the NC-SI to MCTP fragmentation engine. A single
// packet at a time is split into a bounded list of MCTP fragments, batched
// into transport-sized transmission units and handed to a pluggable sink.
//
// The first fragment deliberately carries one payload byte less than the
// rest: the source frame has a small alignment prefix whose last byte is a
// sentinel, and shorting the first fragment makes every later fragment read
// the source buffer at a word-aligned offset. One misaligned copy instead
// of N.
package frag

import (
	"errors"
	"fmt"

	"github.com/emichael72/usb-eval/internal/arena"
	"github.com/emichael72/usb-eval/internal/log"
	"github.com/emichael72/usb-eval/internal/mctp"
	"github.com/emichael72/usb-eval/internal/metrics"
	"github.com/emichael72/usb-eval/internal/ncsi"
)

// Mode selects how fragment payloads reach the sink.
type Mode int

const (
	// ModeZeroCopy emits header and payload as separate pairs referencing
	// the original frame memory. Fastest, most pointers per batch.
	ModeZeroCopy Mode = iota

	// ModeCopy consolidates header and payload into one contiguous
	// per-fragment buffer first, then batches. Fewer memory regions per
	// pair at the cost of the copy.
	ModeCopy
)

// String implements fmt.Stringer for logging and metric labels.
func (m Mode) String() string {
	if m == ModeCopy {
		return "copy"
	}
	return "zerocopy"
}

// DefaultSentinel marks the last alignment-prefix byte ahead of the first
// fragment; defragmentation strips and validates it.
const DefaultSentinel = 3

var (
	ErrNotIdle          = errors.New("usbeval: fragmentation engine not idle")
	ErrNotPrepared      = errors.New("usbeval: no packet prepared for transmission")
	ErrTooManyFragments = errors.New("usbeval: packet requires too many fragments")
	ErrNoSink           = errors.New("usbeval: no transmission sink configured")
)

// Config carries the tunables of one engine instance.
type Config struct {
	MaxFragments  int  // fragment list capacity, default 25
	FragmentSize  int  // payload bytes per fragment, default 64
	FirstShort    int  // bytes the first fragment falls short, default 1
	MaxBatchPairs int  // transport pointer cap per batch, default 16
	MaxBatchBytes int  // transport byte budget per batch, default 512
	Sentinel      byte // first-fragment marker byte, default 3
	Version       uint8
	DestEID       uint8
	SrcEID        uint8
	Mode          Mode
}

// DefaultConfig returns the production parameter set.
func DefaultConfig() Config {
	return Config{
		MaxFragments:  25,
		FragmentSize:  mctp.MaxPayload,
		FirstShort:    1,
		MaxBatchPairs: 16,
		MaxBatchBytes: 512,
		Sentinel:      DefaultSentinel,
		Version:       1,
		DestEID:       0x10,
		SrcEID:        0x20,
	}
}

// state tracks the engine's single-packet lifecycle.
type engineState int

const (
	stateIdle engineState = iota
	statePrepared
	stateTransmitting
)

// fragment is one reusable slot of the fixed fragment list. Fields are
// overwritten on every run; fragments are never allocated at run time.
type fragment struct {
	hdr     mctp.Header
	hdrBuf  []byte // marshaled header, referenced by zero-copy pairs
	inline  []byte // header+payload consolidation buffer for copy mode
	payload []byte // borrowed slice into the source frame
}

// Stats accumulates per-run transmission accounting.
type Stats struct {
	Fragments  int // fragments produced by the last run
	Batches    int // sink invocations
	Pairs      int // total pairs across all batches
	TxBytes    int // bytes handed to the sink, headers included
	ExpectedTx int // projected transmission size computed at prepare
}

// Engine fragments one packet at a time: Idle -> Prepared -> Transmitting
// -> Idle. Construct once; the fragment list and consolidation buffers are
// allocated from the arena up front so steady-state runs are allocation
// free.
type Engine struct {
	cfg   Config
	src   *ncsi.Source
	sink  Sink
	frags []fragment
	batch batch
	state engineState

	pkt   *ncsi.Packet
	span  []byte // sentinel byte plus frame, the transmit window
	count int    // fragments required for the prepared packet
	stats Stats
}

// New creates an engine with all fragment storage taken from the arena.
func New(cfg Config, a *arena.Arena, src *ncsi.Source, sink Sink) (*Engine, error) {
	if sink == nil {
		return nil, ErrNoSink
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 25
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = mctp.MaxPayload
	}
	if cfg.FirstShort <= 0 || cfg.FirstShort >= cfg.FragmentSize {
		cfg.FirstShort = 1
	}
	if cfg.MaxBatchPairs <= 0 {
		cfg.MaxBatchPairs = 16
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = 512
	}

	e := &Engine{
		cfg:   cfg,
		src:   src,
		sink:  sink,
		frags: make([]fragment, cfg.MaxFragments),
		batch: newBatch(cfg.MaxBatchPairs, cfg.MaxBatchBytes),
	}

	// Preallocate and prefill every fragment slot. Only payload pointers,
	// sizes and the EOM flag change between runs.
	for i := range e.frags {
		f := &e.frags[i]

		hdrBuf, err := a.Alloc(mctp.HeaderSize)
		if err != nil {
			return nil, fmt.Errorf("fragment header storage: %w", err)
		}
		inline, err := a.Alloc(mctp.HeaderSize + cfg.FragmentSize)
		if err != nil {
			return nil, fmt.Errorf("fragment inline storage: %w", err)
		}

		f.hdrBuf = hdrBuf
		f.inline = inline
		f.hdr = mctp.Header{
			Version:  cfg.Version,
			DestEID:  cfg.DestEID,
			SrcEID:   cfg.SrcEID,
			TagOwner: true,
			Seq:      uint8(i % mctp.SeqModulo),
			SOM:      i == 0,
		}
	}

	return e, nil
}

// Prepare requests a packet of the given total size from the source, marks
// the sentinel and computes the fragment budget. A packet needing more than
// MaxFragments is dropped: the engine stays idle and no partial work
// remains.
func (e *Engine) Prepare(packetSize int) error {
	if e.state != stateIdle {
		return ErrNotIdle
	}

	pkt, n, err := e.src.Request(packetSize)
	if err != nil {
		metrics.FragDropsTotal.WithLabelValues("size").Inc()
		return err
	}

	// The transmit window starts at the sentinel: the last prefix byte is
	// marked and travels as the first payload byte of the first fragment.
	prefix := pkt.PrefixLen()
	buf := pkt.Bytes()
	buf[prefix-1] = e.cfg.Sentinel
	span := buf[prefix-1 : n]

	count := e.fragmentCount(len(span))
	if count > e.cfg.MaxFragments {
		e.src.Release(pkt)
		metrics.FragDropsTotal.WithLabelValues("too_many_fragments").Inc()
		return fmt.Errorf("%w: %d > %d", ErrTooManyFragments, count, e.cfg.MaxFragments)
	}

	e.pkt = pkt
	e.span = span
	e.count = count
	e.stats = Stats{ExpectedTx: len(span) + count*mctp.HeaderSize}
	e.state = statePrepared

	log.WithFields(map[string]interface{}{
		"size":      n,
		"fragments": count,
		"tx_bytes":  e.stats.ExpectedTx,
	}).Debug("packet prepared for fragmentation")

	return nil
}

// fragmentCount computes 1 + ceil(max(0, span-first)/size) where the first
// fragment carries FirstShort fewer bytes than the rest.
func (e *Engine) fragmentCount(span int) int {
	first := e.cfg.FragmentSize - e.cfg.FirstShort
	count := 1
	if span > first {
		remaining := span - first
		count += (remaining + e.cfg.FragmentSize - 1) / e.cfg.FragmentSize
	}
	return count
}

// Run walks the fragment list, assigns payload windows, sets SOM/EOM and
// sequence numbers, and emits batches to the sink. A batch is flushed
// before either transport cap would be exceeded; a final partial batch is
// flushed after the last fragment.
func (e *Engine) Run() error {
	if e.state != statePrepared {
		return ErrNotPrepared
	}
	e.state = stateTransmitting

	e.adjustFragments()

	pairsPerFrag := 2
	if e.cfg.Mode == ModeCopy {
		pairsPerFrag = 1
	}

	for i := 0; i < e.count; i++ {
		f := &e.frags[i]
		pairSize := mctp.HeaderSize + len(f.payload)

		if !e.batch.fits(pairsPerFrag, pairSize) {
			e.flush()
		}

		if e.cfg.Mode == ModeZeroCopy {
			f.hdr.Marshal(f.hdrBuf)
			e.batch.add(f.hdrBuf)
			e.batch.add(f.payload)
		} else {
			f.hdr.Marshal(f.inline)
			n := copy(f.inline[mctp.HeaderSize:], f.payload)
			e.batch.add(f.inline[:mctp.HeaderSize+n])
		}
		e.stats.Pairs += pairsPerFrag
		e.stats.TxBytes += pairSize
	}
	e.flush()

	e.stats.Fragments = e.count
	metrics.FragPacketsTotal.WithLabelValues(e.cfg.Mode.String()).Inc()
	return nil
}

// adjustFragments points the fragment list at the prepared transmit window:
// the first fragment stays one byte short, later ones start word-aligned.
func (e *Engine) adjustFragments() {
	remaining := e.span
	first := e.cfg.FragmentSize - e.cfg.FirstShort

	for i := 0; i < e.count; i++ {
		f := &e.frags[i]

		size := e.cfg.FragmentSize
		if i == 0 {
			size = first
		}
		if size > len(remaining) {
			size = len(remaining)
		}

		f.payload = remaining[:size]
		remaining = remaining[size:]

		f.hdr.Seq = uint8(i % mctp.SeqModulo)
		f.hdr.SOM = i == 0
		f.hdr.EOM = len(remaining) == 0
	}
}

func (e *Engine) flush() {
	before := len(e.batch.pairs)
	e.batch.flush(e.sink)
	if before > 0 {
		e.stats.Batches++
	}
}

// Reset returns the engine to idle, clears per-run counters and releases
// the packet back to the source. Safe after a failed prepare or run.
func (e *Engine) Reset() {
	if e.pkt != nil {
		e.src.Release(e.pkt)
	}
	e.pkt = nil
	e.span = nil
	e.count = 0
	e.stats = Stats{}
	e.batch.pairs = e.batch.pairs[:0]
	e.batch.bytes = 0
	e.state = stateIdle
}

// Stats reports the most recent run's accounting.
func (e *Engine) Stats() Stats { return e.stats }

// FragmentBudget reports how many fragments a packet of the given total
// size would need, without preparing it.
func (e *Engine) FragmentBudget(packetSize, prefixLen int) int {
	return e.fragmentCount(packetSize - (prefixLen - 1))
}
