// Package pool implements a fixed-capacity buffer pool where every item is
// tracked as either free or busy. Items and their storage are carved from an
// arena once at creation; acquire and release are O(1) list moves and never
// allocate. The design follows the classic free/busy message queue used by
// firmware transports: a bounded set of equally sized frames recycled for
// the lifetime of the process.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emichael72/usb-eval/internal/arena"
	"github.com/emichael72/usb-eval/internal/metrics"
)

var (
	ErrBadConfig   = errors.New("usbeval: pool item size and count must be non-zero")
	ErrExhausted   = errors.New("usbeval: pool free list empty")
	ErrOversize    = errors.New("usbeval: data exceeds pool item capacity")
	ErrNotBusy     = errors.New("usbeval: item is not busy")
	ErrForeignItem = errors.New("usbeval: item does not belong to this pool")
	ErrNilItem     = errors.New("usbeval: nil pool item")
)

// itemState tags which of the two lists an item is attached to. Every item
// is a member of exactly one list at all times.
type itemState uint8

const (
	stateFree itemState = iota
	stateBusy
)

const none = -1 // absent index link

// Item is a pool slot. List membership is encoded as a state tag plus index
// links rather than raw pointers, so a released item can never dangle.
type Item struct {
	owner      *Pool
	idx        int
	prev, next int
	state      itemState
	buf        []byte
	used       int
}

// Data returns the item's full storage buffer.
func (it *Item) Data() []byte { return it.buf }

// Len reports the bytes copied in by the most recent Acquire.
func (it *Item) Len() int { return it.used }

// Option configures pool construction.
type Option func(*Pool)

// WithLocking guards the detach/attach pairs with a mutex. Needed only when
// producers and consumers genuinely run concurrently; the single-core
// cooperative deployment leaves it off.
func WithLocking() Option {
	return func(p *Pool) { p.locking = true }
}

// Pool is a free/busy queue over a fixed set of items.
type Pool struct {
	items    []Item
	storage  []byte
	itemSize int

	freeHead, freeTail int
	busyHead, busyTail int

	locking bool
	mu      sync.Mutex
}

// New creates a pool of count items of itemSize bytes each, with all storage
// taken from the arena. Every item starts on the free list.
func New(a *arena.Arena, itemSize, count int, opts ...Option) (*Pool, error) {
	if itemSize == 0 || count == 0 {
		return nil, ErrBadConfig
	}

	storage, err := a.Alloc(itemSize * count)
	if err != nil {
		return nil, fmt.Errorf("pool storage: %w", err)
	}

	p := &Pool{
		items:    make([]Item, count),
		storage:  storage,
		itemSize: itemSize,
		freeHead: 0,
		freeTail: count - 1,
		busyHead: none,
		busyTail: none,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := range p.items {
		it := &p.items[i]
		it.owner = p
		it.idx = i
		it.buf = storage[i*itemSize : (i+1)*itemSize : (i+1)*itemSize]
		it.state = stateFree
		it.prev = i - 1
		it.next = i + 1
	}
	p.items[0].prev = none
	p.items[count-1].next = none

	return p, nil
}

// Acquire detaches the head of the free list, marks it busy and appends it
// to the busy list tail. When copyIn is non-nil its bytes are copied into
// the item's buffer, optionally zero-filling the buffer first. Acquiring
// from an empty free list returns ErrExhausted; oversized data is refused
// and the item stays free.
func (p *Pool) Acquire(copyIn []byte, zeroFirst bool) (*Item, error) {
	if copyIn != nil && len(copyIn) > p.itemSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversize, len(copyIn), p.itemSize)
	}

	p.lock()
	idx := p.freeHead
	if idx == none {
		p.unlock()
		metrics.PoolExhaustedTotal.Inc()
		return nil, ErrExhausted
	}
	p.detach(&p.freeHead, &p.freeTail, idx)
	p.unlock()

	it := &p.items[idx]
	it.state = stateBusy
	it.used = 0

	// Copy outside the critical section; the item is owned by the caller
	// from the moment it left the free list.
	if copyIn != nil {
		if zeroFirst {
			clear(it.buf)
		}
		it.used = copy(it.buf, copyIn)
	}

	p.lock()
	p.attach(&p.busyHead, &p.busyTail, idx)
	p.unlock()

	metrics.PoolAcquiresTotal.Inc()
	return it, nil
}

// Release verifies ownership and busy status, detaches the item from the
// busy list and re-attaches it to the free list tail.
func (p *Pool) Release(it *Item) error {
	if it == nil {
		return ErrNilItem
	}
	if it.owner != p {
		return ErrForeignItem
	}
	if it.state != stateBusy {
		return ErrNotBusy
	}

	p.lock()
	p.detach(&p.busyHead, &p.busyTail, it.idx)
	it.state = stateFree
	it.used = 0
	p.attach(&p.freeHead, &p.freeTail, it.idx)
	p.unlock()

	metrics.PoolReleasesTotal.Inc()
	return nil
}

// Capacity reports the total number of items.
func (p *Pool) Capacity() int { return len(p.items) }

// ItemSize reports the storage size of a single item.
func (p *Pool) ItemSize() int { return p.itemSize }

// FreeCount walks the free list and reports its length. Intended for tests
// and diagnostics, not the hot path.
func (p *Pool) FreeCount() int {
	p.lock()
	defer p.unlock()
	n := 0
	for i := p.freeHead; i != none; i = p.items[i].next {
		n++
	}
	return n
}

// BusyCount walks the busy list and reports its length.
func (p *Pool) BusyCount() int {
	p.lock()
	defer p.unlock()
	n := 0
	for i := p.busyHead; i != none; i = p.items[i].next {
		n++
	}
	return n
}

func (p *Pool) lock() {
	if p.locking {
		p.mu.Lock()
	}
}

func (p *Pool) unlock() {
	if p.locking {
		p.mu.Unlock()
	}
}

// detach removes item idx from the list identified by head/tail.
func (p *Pool) detach(head, tail *int, idx int) {
	it := &p.items[idx]
	if it.prev != none {
		p.items[it.prev].next = it.next
	} else {
		*head = it.next
	}
	if it.next != none {
		p.items[it.next].prev = it.prev
	} else {
		*tail = it.prev
	}
	it.prev, it.next = none, none
}

// attach appends item idx to the tail of the list identified by head/tail.
func (p *Pool) attach(head, tail *int, idx int) {
	it := &p.items[idx]
	it.prev = *tail
	it.next = none
	if *tail != none {
		p.items[*tail].next = idx
	} else {
		*head = idx
	}
	*tail = idx
}
