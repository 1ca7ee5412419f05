// Package mctp implements the 4-byte MCTP transport header used to frame
// NC-SI fragments, following the DSP0236 packet field layout.
package mctp

import (
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed transport header length in bytes.
	HeaderSize = 4

	// MaxPayload is the largest payload a single fragment carries.
	MaxPayload = 64

	// MaxFragmentSize is header plus payload.
	MaxFragmentSize = HeaderSize + MaxPayload

	// SeqModulo is the packet sequence space; the 2-bit field wraps mod 4.
	SeqModulo = 4
)

// Flag byte layout, LSB first: tag(3) | tag-owner(1) | seq(2) | EOM(1) | SOM(1).
const (
	flagSOM  = 1 << 7
	flagEOM  = 1 << 6
	seqShift = 4
	seqMask  = 0x3
	flagTO   = 1 << 3
	tagMask  = 0x7
)

var ErrShortHeader = errors.New("usbeval: buffer shorter than MCTP header")

// Header is the decoded form of the fixed 4-byte transport header.
type Header struct {
	Version  uint8
	DestEID  uint8
	SrcEID   uint8
	Tag      uint8 // 3-bit message tag
	TagOwner bool
	Seq      uint8 // 2-bit packet sequence
	EOM      bool
	SOM      bool
}

// Marshal writes the header into the first HeaderSize bytes of dst.
func (h *Header) Marshal(dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrShortHeader, len(dst))
	}
	dst[0] = h.Version
	dst[1] = h.DestEID
	dst[2] = h.SrcEID

	flags := h.Tag & tagMask
	if h.TagOwner {
		flags |= flagTO
	}
	flags |= (h.Seq & seqMask) << seqShift
	if h.EOM {
		flags |= flagEOM
	}
	if h.SOM {
		flags |= flagSOM
	}
	dst[3] = flags
	return nil
}

// Unmarshal parses the first HeaderSize bytes of src.
func (h *Header) Unmarshal(src []byte) error {
	if len(src) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrShortHeader, len(src))
	}
	h.Version = src[0]
	h.DestEID = src[1]
	h.SrcEID = src[2]

	flags := src[3]
	h.Tag = flags & tagMask
	h.TagOwner = flags&flagTO != 0
	h.Seq = (flags >> seqShift) & seqMask
	h.EOM = flags&flagEOM != 0
	h.SOM = flags&flagSOM != 0
	return nil
}
