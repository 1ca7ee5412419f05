package mctp

import (
	"errors"
	"testing"
)

func TestMarshalFlagBits(t *testing.T) {
	tests := []struct {
		name string
		hdr  Header
		want byte
	}{
		{"som only", Header{SOM: true}, 0x80},
		{"eom only", Header{EOM: true}, 0x40},
		{"seq 3", Header{Seq: 3}, 0x30},
		{"tag owner", Header{TagOwner: true}, 0x08},
		{"tag 5", Header{Tag: 5}, 0x05},
		{"single fragment", Header{SOM: true, EOM: true, Seq: 1, TagOwner: true}, 0xD8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [HeaderSize]byte
			if err := tt.hdr.Marshal(buf[:]); err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if buf[3] != tt.want {
				t.Fatalf("flags = %#02x, want %#02x", buf[3], tt.want)
			}
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{
		Version:  1,
		DestEID:  0x10,
		SrcEID:   0x20,
		Tag:      2,
		TagOwner: true,
		Seq:      3,
		EOM:      true,
		SOM:      false,
	}
	var buf [HeaderSize]byte
	if err := in.Marshal(buf[:]); err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Header
	if err := out.Unmarshal(buf[:]); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestSeqTruncatedToTwoBits(t *testing.T) {
	h := Header{Seq: 7} // only the low 2 bits survive
	var buf [HeaderSize]byte
	h.Marshal(buf[:])

	var out Header
	out.Unmarshal(buf[:])
	if out.Seq != 3 {
		t.Fatalf("Seq = %d, want 3", out.Seq)
	}
}

func TestShortBuffer(t *testing.T) {
	var h Header
	if err := h.Marshal(make([]byte, 3)); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("Marshal error = %v, want ErrShortHeader", err)
	}
	if err := h.Unmarshal(make([]byte, 3)); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("Unmarshal error = %v, want ErrShortHeader", err)
	}
}
