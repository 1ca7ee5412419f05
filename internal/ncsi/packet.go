// Package ncsi produces synthetic NC-SI Ethernet frames, standing in for a
// real management-controller feed. The frame layout mirrors the sideband
// format: a small alignment prefix, a 14-byte Ethernet header, a 10-byte
// command header and a variable payload.
package ncsi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// EtherTypeNCSI is the NC-SI EtherType.
	EtherTypeNCSI = 0x88F8

	// EthHeaderSize is the Ethernet link header length.
	EthHeaderSize = 14

	// CmdHeaderSize is the NC-SI command/response header length.
	CmdHeaderSize = 10

	// MaxPacketSize bounds a full frame including the alignment prefix.
	MaxPacketSize = 1536

	// DefaultPrefixLen is the alignment prefix prepended ahead of the link
	// header. The fragmentation engine marks its last byte with a sentinel.
	DefaultPrefixLen = 4

	payloadFill = 0xA5
)

var (
	ErrTooLarge = errors.New("usbeval: requested NC-SI packet exceeds maximum size")
	ErrTooSmall = errors.New("usbeval: requested NC-SI packet smaller than headers")
	ErrBusy     = errors.New("usbeval: packet source buffer already borrowed")

	defaultDstMAC = net.HardwareAddr{0x00, 0x25, 0x90, 0xAB, 0xCD, 0xEF}
	defaultSrcMAC = net.HardwareAddr{0x00, 0x14, 0x22, 0x01, 0x23, 0x45}
)

// Packet is a single NC-SI Ethernet frame plus its alignment prefix.
type Packet struct {
	buf       []byte
	prefixLen int
}

// Bytes returns the full frame including the alignment prefix.
func (p *Packet) Bytes() []byte { return p.buf }

// Size reports the full frame length including the alignment prefix.
func (p *Packet) Size() int { return len(p.buf) }

// PrefixLen reports the alignment prefix length.
func (p *Packet) PrefixLen() int { return p.prefixLen }

// Source hands out the process-wide synthetic frame. A single backing
// buffer is repopulated on every request, matching the request/release
// contract of a real NIC feed where the frame lives in a fixed RAM window.
type Source struct {
	prefixLen int
	buf       [MaxPacketSize]byte
	inUse     bool
}

// NewSource creates a packet source. prefixLen <= 0 selects the default.
func NewSource(prefixLen int) *Source {
	if prefixLen <= 0 {
		prefixLen = DefaultPrefixLen
	}
	return &Source{prefixLen: prefixLen}
}

// Request populates and returns the synthetic frame at the desired total
// size (prefix included) along with the actual size produced.
func (s *Source) Request(desiredSize int) (*Packet, int, error) {
	if s.inUse {
		return nil, 0, ErrBusy
	}
	minSize := s.prefixLen + EthHeaderSize + CmdHeaderSize
	if desiredSize <= minSize {
		return nil, 0, fmt.Errorf("%w: %d <= %d", ErrTooSmall, desiredSize, minSize)
	}
	if desiredSize > MaxPacketSize {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, desiredSize, MaxPacketSize)
	}

	buf := s.buf[:desiredSize]
	clear(buf[:s.prefixLen])

	if err := writeEthHeader(buf[s.prefixLen:]); err != nil {
		return nil, 0, err
	}

	payloadLen := desiredSize - minSize
	writeCmdHeader(buf[s.prefixLen+EthHeaderSize:], payloadLen)

	payload := buf[minSize:]
	for i := range payload {
		payload[i] = payloadFill
	}

	s.inUse = true
	return &Packet{buf: buf, prefixLen: s.prefixLen}, desiredSize, nil
}

// Release returns the frame to the source. Matches the request/release
// pattern of the collaborator contract; the buffer itself is recycled.
func (s *Source) Release(p *Packet) {
	if p != nil {
		s.inUse = false
	}
}

// writeEthHeader serializes the Ethernet link header into dst.
func writeEthHeader(dst []byte) error {
	eth := layers.Ethernet{
		DstMAC:       defaultDstMAC,
		SrcMAC:       defaultSrcMAC,
		EthernetType: layers.EthernetType(EtherTypeNCSI),
	}
	sb := gopacket.NewSerializeBuffer()
	if err := eth.SerializeTo(sb, gopacket.SerializeOptions{}); err != nil {
		return fmt.Errorf("serialize ethernet header: %w", err)
	}
	copy(dst, sb.Bytes()[:EthHeaderSize])
	return nil
}

// writeCmdHeader serializes the NC-SI command/response header into dst.
// Layout: MC id, header revision, reserved, payload length, channel id,
// command/response, reserved.
func writeCmdHeader(dst []byte, payloadLen int) {
	dst[0] = 0x01 // MC id
	dst[1] = 0x01 // header revision
	binary.BigEndian.PutUint16(dst[2:4], 0)
	binary.BigEndian.PutUint16(dst[4:6], uint16(payloadLen))
	dst[6] = 0x00 // channel id
	dst[7] = 0x01 // command
	binary.BigEndian.PutUint16(dst[8:10], 0)
}
