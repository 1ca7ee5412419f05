package pool

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/emichael72/usb-eval/internal/arena"
)

func newTestPool(t *testing.T, itemSize, count int, opts ...Option) *Pool {
	t.Helper()
	a, err := arena.New(itemSize*count + 1024)
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	p, err := New(a, itemSize, count, opts...)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return p
}

func TestNewRejectsZeroDimensions(t *testing.T) {
	a, _ := arena.New(4096)
	if _, err := New(a, 0, 8); !errors.Is(err, ErrBadConfig) {
		t.Fatalf("item size 0: error = %v, want ErrBadConfig", err)
	}
	if _, err := New(a, 64, 0); !errors.Is(err, ErrBadConfig) {
		t.Fatalf("count 0: error = %v, want ErrBadConfig", err)
	}
}

func TestNewFailsWhenArenaExhausted(t *testing.T) {
	a, _ := arena.New(64)
	if _, err := New(a, 128, 4); err == nil {
		t.Fatal("expected arena exhaustion error")
	}
}

func TestAcquireReleaseCycle(t *testing.T) {
	p := newTestPool(t, 72, 4)

	payload := []byte("ncsi frame")
	it, err := p.Acquire(payload, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !bytes.Equal(it.Data()[:it.Len()], payload) {
		t.Fatalf("data = %q, want %q", it.Data()[:it.Len()], payload)
	}
	if got := p.BusyCount(); got != 1 {
		t.Fatalf("BusyCount = %d, want 1", got)
	}
	if got := p.FreeCount(); got != 3 {
		t.Fatalf("FreeCount = %d, want 3", got)
	}

	if err := p.Release(it); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := p.FreeCount(); got != 4 {
		t.Fatalf("FreeCount after release = %d, want 4", got)
	}
}

// Every item is in exactly one of {free, busy} across an arbitrary sequence
// of acquires and releases.
func TestFreeBusyInvariant(t *testing.T) {
	const capacity = 8
	p := newTestPool(t, 64, capacity)

	var busy []*Item
	steps := []int{3, -1, 4, -2, 1, -3, 6, -6}
	for _, step := range steps {
		if step > 0 {
			for i := 0; i < step; i++ {
				it, err := p.Acquire(nil, false)
				if err != nil {
					t.Fatalf("Acquire: %v", err)
				}
				busy = append(busy, it)
			}
		} else {
			for i := 0; i < -step; i++ {
				it := busy[len(busy)-1]
				busy = busy[:len(busy)-1]
				if err := p.Release(it); err != nil {
					t.Fatalf("Release: %v", err)
				}
			}
		}
		if got := p.FreeCount() + p.BusyCount(); got != capacity {
			t.Fatalf("free+busy = %d, want %d", got, capacity)
		}
		if got := p.BusyCount(); got != len(busy) {
			t.Fatalf("BusyCount = %d, want %d", got, len(busy))
		}
	}
}

func TestExhaustionReturnsFailureNotStaleItem(t *testing.T) {
	p := newTestPool(t, 64, 2)

	a1, _ := p.Acquire(nil, false)
	a2, _ := p.Acquire(nil, false)
	if a1 == nil || a2 == nil {
		t.Fatal("initial acquires failed")
	}

	it, err := p.Acquire(nil, false)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if it != nil {
		t.Fatal("exhausted pool returned an item")
	}

	// Capacity must be intact after the refusal.
	if err := p.Release(a1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := p.Acquire(nil, false); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestOversizeDataRefused(t *testing.T) {
	p := newTestPool(t, 16, 2)
	big := make([]byte, 17)
	if _, err := p.Acquire(big, false); !errors.Is(err, ErrOversize) {
		t.Fatalf("error = %v, want ErrOversize", err)
	}
	if got := p.FreeCount(); got != 2 {
		t.Fatalf("FreeCount = %d, want 2 (refusal must not consume an item)", got)
	}
}

func TestDoubleReleaseDetected(t *testing.T) {
	p := newTestPool(t, 64, 2)
	it, _ := p.Acquire(nil, false)

	if err := p.Release(it); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := p.Release(it); !errors.Is(err, ErrNotBusy) {
		t.Fatalf("second Release error = %v, want ErrNotBusy", err)
	}
}

func TestForeignItemDetected(t *testing.T) {
	p1 := newTestPool(t, 64, 2)
	p2 := newTestPool(t, 64, 2)

	it, _ := p1.Acquire(nil, false)
	if err := p2.Release(it); !errors.Is(err, ErrForeignItem) {
		t.Fatalf("error = %v, want ErrForeignItem", err)
	}
	if err := p2.Release(nil); !errors.Is(err, ErrNilItem) {
		t.Fatalf("error = %v, want ErrNilItem", err)
	}
}

func TestZeroFirstClearsResidue(t *testing.T) {
	p := newTestPool(t, 8, 1)

	it, _ := p.Acquire([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, false)
	p.Release(it)

	it, _ = p.Acquire([]byte{0x01}, true)
	want := []byte{0x01, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(it.Data(), want) {
		t.Fatalf("data = %v, want %v", it.Data(), want)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	const capacity = 16
	p := newTestPool(t, 64, capacity, WithLocking())

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				it, err := p.Acquire([]byte{byte(i)}, false)
				if err != nil {
					continue // transient exhaustion is fine
				}
				if err := p.Release(it); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := p.FreeCount(); got != capacity {
		t.Fatalf("FreeCount = %d, want %d after all releases", got, capacity)
	}
	if got := p.BusyCount(); got != 0 {
		t.Fatalf("BusyCount = %d, want 0", got)
	}
}

func BenchmarkAcquireRelease(b *testing.B) {
	a, _ := arena.New(1 << 20)
	p, _ := New(a, 128, 64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := p.Acquire(nil, false)
		if err != nil {
			b.Fatal(err)
		}
		if err := p.Release(it); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAcquireReleaseLocked(b *testing.B) {
	a, _ := arena.New(1 << 20)
	p, _ := New(a, 128, 64, WithLocking())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := p.Acquire(nil, false)
		if err != nil {
			b.Fatal(err)
		}
		if err := p.Release(it); err != nil {
			b.Fatal(err)
		}
	}
}
