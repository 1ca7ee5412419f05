package harness

import (
	"fmt"

	"github.com/emichael72/usb-eval/internal/arena"
	"github.com/emichael72/usb-eval/internal/defrag"
	"github.com/emichael72/usb-eval/internal/frag"
	"github.com/emichael72/usb-eval/internal/mctp"
	"github.com/emichael72/usb-eval/internal/mctpbus"
	"github.com/emichael72/usb-eval/internal/ncsi"
	"github.com/emichael72/usb-eval/internal/pool"
)

// Options tunes the built-in measurement set. The zero value selects
// the defaults; a config file section decodes onto it through
// DecodeOptions.
type Options struct {
	PacketSize    int    `mapstructure:"packet_size"`
	Repetitions   int    `mapstructure:"repetitions"`
	ArenaSize     int    `mapstructure:"arena_size"`
	PoolItemSize  int    `mapstructure:"pool_item_size"`
	PoolItemCount int    `mapstructure:"pool_item_count"`
	PoolLocking   bool   `mapstructure:"pool_locking"`
	BusEID        byte   `mapstructure:"bus_eid"`
	MaxBatchPairs int    `mapstructure:"max_batch_pairs"`
	MaxBatchBytes int    `mapstructure:"max_batch_bytes"`
	FirstShort    int    `mapstructure:"first_short"`
	Sentinel      byte   `mapstructure:"sentinel"`
	DefragPolicy  string `mapstructure:"defrag_policy"` // "fail-fast" or "best-effort"
}

func (o *Options) applyDefaults() {
	if o.PacketSize <= 0 {
		o.PacketSize = 1500 + ncsi.DefaultPrefixLen
	}
	if o.Repetitions <= 0 {
		o.Repetitions = 10
	}
	if o.ArenaSize <= 0 {
		o.ArenaSize = 64 << 10
	}
	if o.PoolItemSize <= 0 {
		o.PoolItemSize = mctpbus.MaxFrameSize
	}
	if o.PoolItemCount <= 0 {
		o.PoolItemCount = mctpbus.FrameCount
	}
}

// memcpySrc is the 32-byte pattern copied by the memcpy baseline.
var memcpySrc = [32]byte{
	0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48,
	0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F, 0x50,
	0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58,
	0x59, 0x5A, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// memcpySink keeps the copy loop observable so it is not optimized
// away.
var memcpySink [32]byte

// RegisterBuiltins wires the standard measurement set into the
// launcher: a timing baseline, a small memcpy, pool acquire/release,
// both fragmentation modes, a defragmentation round trip and the bus
// sequence suite. All state is carved from one arena.
func RegisterBuiltins(l *Launcher, opts Options) error {
	opts.applyDefaults()

	a, err := arena.New(opts.ArenaSize)
	if err != nil {
		return fmt.Errorf("allocating harness arena: %w", err)
	}

	if err := registerBaseline(l, opts); err != nil {
		return err
	}
	if err := registerMemcpy(l, opts); err != nil {
		return err
	}
	if err := registerPool(l, opts, a); err != nil {
		return err
	}
	if err := registerFrag(l, opts, a, frag.ModeZeroCopy, "frag-zero-copy",
		"NC-SI to MCTP packet fragmentation flow, zero copy"); err != nil {
		return err
	}
	if err := registerFrag(l, opts, a, frag.ModeCopy, "frag-copy",
		"NC-SI to MCTP packet fragmentation flow, consolidated copy"); err != nil {
		return err
	}
	if err := registerDefrag(l, opts, a); err != nil {
		return err
	}
	return registerBusSeq(l, opts, a)
}

func registerBaseline(l *Launcher, opts Options) error {
	var sink int
	return l.Register(&Measurement{
		Name:        "baseline",
		Desc:        "Empty function, measures timing overhead",
		Repetitions: opts.Repetitions,
		Exec: func() error {
			for i := 0; i < 4; i++ {
				sink += i
			}
			return nil
		},
	})
}

func registerMemcpy(l *Launcher, opts Options) error {
	return l.Register(&Measurement{
		Name:        "memcpy",
		Desc:        "Native 32 byte copy",
		Repetitions: opts.Repetitions,
		Exec: func() error {
			copy(memcpySink[:], memcpySrc[:])
			return nil
		},
	})
}

func registerPool(l *Launcher, opts Options, a *arena.Arena) error {
	var p *pool.Pool
	payload := make([]byte, 16)

	return l.Register(&Measurement{
		Name:        "pool",
		Desc:        "Buffer pool request and release",
		Repetitions: opts.Repetitions,
		Init: func() error {
			var popts []pool.Option
			if opts.PoolLocking {
				popts = append(popts, pool.WithLocking())
			}
			var err error
			p, err = pool.New(a, opts.PoolItemSize, opts.PoolItemCount, popts...)
			return err
		},
		Exec: func() error {
			it, err := p.Acquire(payload, false)
			if err != nil {
				return err
			}
			return p.Release(it)
		},
	})
}

func registerFrag(l *Launcher, opts Options, a *arena.Arena, mode frag.Mode, name, desc string) error {
	var e *frag.Engine

	return l.Register(&Measurement{
		Name:        name,
		Desc:        desc,
		Repetitions: opts.Repetitions,
		Init: func() error {
			cfg := frag.DefaultConfig()
			cfg.Mode = mode
			if opts.MaxBatchPairs > 0 {
				cfg.MaxBatchPairs = opts.MaxBatchPairs
			}
			if opts.MaxBatchBytes > 0 {
				cfg.MaxBatchBytes = opts.MaxBatchBytes
			}
			if opts.FirstShort > 0 {
				cfg.FirstShort = opts.FirstShort
			}
			if opts.Sentinel != 0 {
				cfg.Sentinel = opts.Sentinel
			}
			var err error
			e, err = frag.New(cfg, a, ncsi.NewSource(0), func([][]byte) {})
			return err
		},
		Exec: func() error {
			e.Reset()
			if err := e.Prepare(opts.PacketSize); err != nil {
				return err
			}
			return e.Run()
		},
	})
}

func registerDefrag(l *Launcher, opts Options, a *arena.Arena) error {
	var s *defrag.Session
	var chunks [][]byte
	expected := opts.PacketSize - ncsi.DefaultPrefixLen

	return l.Register(&Measurement{
		Name:        "defrag",
		Desc:        "MCTP chunk stream reassembly round trip",
		Repetitions: opts.Repetitions,
		Init: func() error {
			// One fragmentation pass captures the chunk stream that
			// every timed run reassembles.
			fcfg := frag.DefaultConfig()
			if opts.FirstShort > 0 {
				fcfg.FirstShort = opts.FirstShort
			}
			if opts.Sentinel != 0 {
				fcfg.Sentinel = opts.Sentinel
			}
			e, err := frag.New(fcfg, a, ncsi.NewSource(0), func(pairs [][]byte) {
				var chunk []byte
				for _, p := range pairs {
					chunk = append(chunk, p...)
				}
				chunks = append(chunks, chunk)
			})
			if err != nil {
				return err
			}
			if err := e.Prepare(opts.PacketSize); err != nil {
				return err
			}
			if err := e.Run(); err != nil {
				return err
			}

			cfg := defrag.DefaultConfig()
			if opts.DefragPolicy == "best-effort" {
				cfg.Policy = defrag.PolicyBestEffort
			}
			if opts.Sentinel != 0 {
				cfg.Sentinel = opts.Sentinel
			}
			if opts.FirstShort > 0 {
				cfg.FirstShort = opts.FirstShort
			}
			s, err = defrag.New(cfg, a)
			return err
		},
		Exec: func() error {
			s.Reset()
			for _, c := range chunks {
				if err := s.PushChunk(c); err != nil {
					return err
				}
			}
			return s.Reassemble(expected)
		},
	})
}

func registerBusSeq(l *Launcher, opts Options, a *arena.Arena) error {
	var b *mctpbus.Bus
	var frames [][]byte

	return l.Register(&Measurement{
		Name:        "bus-seq",
		Desc:        "MCTP bus start/middle/end sequence handling",
		LongDesc: "Validates that packet sequences, such as start-of-message (SOM), " +
			"end-of-message (EOM) and sequence numbers, are processed correctly " +
			"over a simulated USB bus.",
		Repetitions: opts.Repetitions,
		Init: func() error {
			cfg := mctpbus.DefaultConfig()
			if opts.BusEID != 0 {
				cfg.EID = opts.BusEID
			}
			var err error
			b, err = mctpbus.New(cfg, a)
			if err != nil {
				return err
			}
			b.SetRxHandler(func(byte, bool, byte, []byte) {})

			hdr := mctp.Header{Version: 1, DestEID: cfg.EID, SrcEID: 10}
			plans := []struct {
				seq      uint8
				som, eom bool
			}{
				{seq: 1, som: true},
				{seq: 2},
				{seq: 3, eom: true},
			}
			for i, p := range plans {
				hdr.Seq, hdr.SOM, hdr.EOM = p.seq, p.som, p.eom
				f := make([]byte, mctp.HeaderSize+1)
				if err := hdr.Marshal(f); err != nil {
					return err
				}
				f[mctp.HeaderSize] = byte(i)
				frames = append(frames, f)
			}
			return nil
		},
		Exec: func() error {
			for _, f := range frames {
				if err := b.RxRaw(f); err != nil {
					return err
				}
			}
			return nil
		},
	})
}
