package arena

import (
	"errors"
	"testing"
)

func TestNewRejectsTinyRegion(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"zero", 0},
		{"below alignment", 4},
		{"exactly alignment", 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.size); !errors.Is(err, ErrInvalidSize) {
				t.Fatalf("New(%d) error = %v, want ErrInvalidSize", tt.size, err)
			}
		})
	}
}

func TestAllocAlignsAndAdvances(t *testing.T) {
	a, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc(3): %v", err)
	}
	if len(buf) != 3 {
		t.Fatalf("len = %d, want 3", len(buf))
	}
	// 3 bytes consume one full 8-byte step.
	if got := a.Remaining(); got != 56 {
		t.Fatalf("Remaining = %d, want 56", got)
	}

	if _, err := a.Alloc(8); err != nil {
		t.Fatalf("Alloc(8): %v", err)
	}
	if got := a.Remaining(); got != 48 {
		t.Fatalf("Remaining = %d, want 48", got)
	}
}

func TestAllocZeroed(t *testing.T) {
	a, _ := New(128)
	buf, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestAllocDistinctRegions(t *testing.T) {
	a, _ := New(256)
	first, _ := a.Alloc(16)
	second, _ := a.Alloc(16)

	for i := range first {
		first[i] = 0xAA
	}
	for _, b := range second {
		if b != 0 {
			t.Fatal("allocations overlap")
		}
	}
}

func TestAllocErrors(t *testing.T) {
	a, _ := New(24)

	if _, err := a.Alloc(0); !errors.Is(err, ErrZeroSize) {
		t.Fatalf("Alloc(0) error = %v, want ErrZeroSize", err)
	}

	if _, err := a.Alloc(16); err != nil {
		t.Fatalf("Alloc(16): %v", err)
	}
	// 8 bytes remain; a 9-byte request aligns to 16 and must be refused.
	if _, err := a.Alloc(9); !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	// The refusal must not have consumed capacity.
	if _, err := a.Alloc(8); err != nil {
		t.Fatalf("Alloc(8) after refusal: %v", err)
	}
}

func TestBadHandle(t *testing.T) {
	var stale Arena // zero value, marker never set
	if _, err := stale.Alloc(8); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("error = %v, want ErrBadHandle", err)
	}
}

func BenchmarkAlloc(b *testing.B) {
	a, _ := New(16 << 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Alloc(64); err != nil {
			b.StopTimer()
			a, _ = New(16 << 20)
			b.StartTimer()
		}
	}
}
