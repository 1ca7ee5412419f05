// Package defrag reassembles a stream of opaque transport chunks back into
// the original NC-SI packet. Each chunk is a concatenation of one or more
// complete MCTP fragments; the session validates sequence numbers and the
// first-fragment sentinel while copying payloads into a fixed
// reconstruction buffer.
package defrag

import (
	"errors"
	"fmt"

	"github.com/emichael72/usb-eval/internal/arena"
	"github.com/emichael72/usb-eval/internal/mctp"
	"github.com/emichael72/usb-eval/internal/metrics"
	"github.com/emichael72/usb-eval/internal/ncsi"
)

// Policy selects how a sequence mismatch is handled. The recommended (and
// default) policy fails the session on the first mismatch; best-effort
// keeps consuming fragments and reports the first recorded error at the
// end.
type Policy int

const (
	PolicyFailFast Policy = iota
	PolicyBestEffort
)

var (
	ErrSequence     = errors.New("usbeval: fragment sequence mismatch")
	ErrSentinel     = errors.New("usbeval: first fragment sentinel mismatch")
	ErrSizeMismatch = errors.New("usbeval: reassembled size mismatch")
	ErrTruncated    = errors.New("usbeval: truncated fragment in chunk")
	ErrOverflow     = errors.New("usbeval: reassembly exceeds destination buffer")
	ErrBadState     = errors.New("usbeval: defrag session not in a valid state for this call")
	ErrNotComplete  = errors.New("usbeval: reassembly not complete")
)

// Config carries the session tunables; they mirror the fragmentation side.
type Config struct {
	FragmentSize int  // payload bytes per fragment, default 64
	FirstShort   int  // bytes the first fragment falls short, default 1
	Sentinel     byte // expected first payload byte, default 3
	Policy       Policy
}

// DefaultConfig returns parameters matching frag.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		FragmentSize: mctp.MaxPayload,
		FirstShort:   1,
		Sentinel:     3,
		Policy:       PolicyFailFast,
	}
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateCollecting
	stateValidating
	stateComplete
	stateFailed
)

// Session reassembles one packet at a time: Idle -> Collecting ->
// Validating -> Complete or Failed. Create once, Reset between runs; the
// reconstruction buffer is allocated from the arena up front.
type Session struct {
	cfg    Config
	dst    []byte
	chunks [][]byte
	state  sessionState

	offset      int
	expectedSeq uint8
	firstSeen   bool
	err         error
}

// New creates a session whose reconstruction buffer is carved from the
// arena, sized for the largest possible packet.
func New(cfg Config, a *arena.Arena) (*Session, error) {
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = mctp.MaxPayload
	}
	if cfg.FirstShort <= 0 || cfg.FirstShort >= cfg.FragmentSize {
		cfg.FirstShort = 1
	}

	dst, err := a.Alloc(ncsi.MaxPacketSize)
	if err != nil {
		return nil, fmt.Errorf("reconstruction buffer: %w", err)
	}
	return &Session{cfg: cfg, dst: dst}, nil
}

// PushChunk appends a received chunk to the session. No parsing happens
// here. The chunk is borrowed until Reassemble returns.
func (s *Session) PushChunk(chunk []byte) error {
	if s.state != stateIdle && s.state != stateCollecting {
		return ErrBadState
	}
	s.state = stateCollecting
	s.chunks = append(s.chunks, chunk)
	metrics.DefragChunksTotal.Inc()
	return nil
}

// Reassemble consumes the collected chunks in arrival order and copies
// fragment payloads into the reconstruction buffer. expectedSize is the
// reconstructed packet size, i.e. the original packet size minus the
// alignment prefix length; any other final offset is a size-mismatch
// error.
func (s *Session) Reassemble(expectedSize int) error {
	if s.state != stateCollecting {
		return ErrBadState
	}
	s.state = stateValidating

	for _, chunk := range s.chunks {
		if err := s.consumeChunk(chunk); err != nil {
			return s.fail(err)
		}
	}

	if s.err != nil {
		return s.fail(s.err)
	}
	if s.offset != expectedSize {
		metrics.DefragErrorsTotal.WithLabelValues("size_mismatch").Inc()
		return s.fail(fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, s.offset, expectedSize))
	}

	s.state = stateComplete
	return nil
}

// consumeChunk walks one chunk, reading a fragment header and its payload
// repeatedly until the chunk is exhausted. Structural damage (a fragment
// extending past its chunk) is always fatal; sequence errors defer to the
// configured policy.
func (s *Session) consumeChunk(chunk []byte) error {
	off := 0
	for off < len(chunk) {
		var hdr mctp.Header
		if err := hdr.Unmarshal(chunk[off:]); err != nil {
			return fmt.Errorf("%w: %d bytes left", ErrTruncated, len(chunk)-off)
		}

		payloadLen := s.payloadLen(&hdr, len(chunk)-off)
		if payloadLen < 0 || off+mctp.HeaderSize+payloadLen > len(chunk) {
			return fmt.Errorf("%w: fragment extends past chunk", ErrTruncated)
		}
		payload := chunk[off+mctp.HeaderSize : off+mctp.HeaderSize+payloadLen]

		if hdr.Seq != s.expectedSeq {
			metrics.DefragErrorsTotal.WithLabelValues("sequence").Inc()
			seqErr := fmt.Errorf("%w: got %d, want %d", ErrSequence, hdr.Seq, s.expectedSeq)
			if s.cfg.Policy == PolicyFailFast {
				return seqErr
			}
			if s.err == nil {
				s.err = seqErr
			}
		}
		s.expectedSeq = (s.expectedSeq + 1) % mctp.SeqModulo

		if !s.firstSeen {
			// The very first fragment leads with the sentinel, which is
			// validated and stripped.
			if len(payload) == 0 {
				return fmt.Errorf("%w: empty first fragment", ErrTruncated)
			}
			if payload[0] != s.cfg.Sentinel {
				metrics.DefragErrorsTotal.WithLabelValues("sentinel").Inc()
				return fmt.Errorf("%w: got %#x, want %#x", ErrSentinel, payload[0], s.cfg.Sentinel)
			}
			payload = payload[1:]
			s.firstSeen = true
		}

		if s.offset+len(payload) > len(s.dst) {
			return fmt.Errorf("%w: offset %d + %d bytes", ErrOverflow, s.offset, len(payload))
		}
		copy(s.dst[s.offset:], payload)
		s.offset += len(payload)

		off += mctp.HeaderSize + payloadLen
	}
	return nil
}

// payloadLen determines a fragment's payload length from its position in
// the stream: the first record carries one byte less than the rest, and an
// end-of-message record takes whatever remains in its chunk.
func (s *Session) payloadLen(hdr *mctp.Header, remaining int) int {
	if hdr.EOM {
		return remaining - mctp.HeaderSize
	}
	if !s.firstSeen {
		return s.cfg.FragmentSize - s.cfg.FirstShort
	}
	return s.cfg.FragmentSize
}

func (s *Session) fail(err error) error {
	s.state = stateFailed
	if s.err == nil {
		s.err = err
	}
	return err
}

// Result returns the reconstructed packet after a successful Reassemble,
// or the first recorded error of a failed one.
func (s *Session) Result() ([]byte, error) {
	switch s.state {
	case stateComplete:
		return s.dst[:s.offset], nil
	case stateFailed:
		return nil, s.err
	default:
		return nil, ErrNotComplete
	}
}

// Reset clears all per-run state so the session can be reused. No leaked
// chunks, no partially advanced counters.
func (s *Session) Reset() {
	s.chunks = s.chunks[:0]
	s.offset = 0
	s.expectedSeq = 0
	s.firstSeen = false
	s.err = nil
	s.state = stateIdle
}
