package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterValidation(t *testing.T) {
	l := NewLauncher()

	require.ErrorIs(t, l.Register(nil), ErrNilExec)
	require.ErrorIs(t, l.Register(&Measurement{Name: "x"}), ErrNilExec)

	ok := &Measurement{Name: "once", Exec: func() error { return nil }}
	require.NoError(t, l.Register(ok))

	dup := &Measurement{Name: "once", Exec: func() error { return nil }}
	require.ErrorIs(t, l.Register(dup), ErrDuplicateName)
}

func TestRegistryFull(t *testing.T) {
	l := NewLauncher()
	for i := 0; i < MaxItems; i++ {
		m := &Measurement{
			Name: string(rune('a' + i%26)) + string(rune('0'+i/26)),
			Exec: func() error { return nil },
		}
		require.NoError(t, l.Register(m))
	}
	err := l.Register(&Measurement{Name: "overflow", Exec: func() error { return nil }})
	require.ErrorIs(t, err, ErrTooManyItems)
}

func TestExecuteHookOrder(t *testing.T) {
	l := NewLauncher()

	var calls []string
	m := &Measurement{
		Name:        "hooks",
		Repetitions: 3,
		Init:        func() error { calls = append(calls, "init"); return nil },
		Prolog:      func() error { calls = append(calls, "prolog"); return nil },
		Exec:        func() error { calls = append(calls, "exec"); return nil },
		Epilog:      func() error { calls = append(calls, "epilog"); return nil },
	}
	require.NoError(t, l.Register(m))

	res, err := l.Execute("hooks")
	require.NoError(t, err)
	require.Equal(t, 3, res.Iterations)
	require.Equal(t,
		[]string{"init", "prolog", "exec", "exec", "exec", "epilog"},
		calls)

	// Init runs only on the first execution.
	calls = calls[:0]
	_, err = l.Execute("hooks")
	require.NoError(t, err)
	require.Equal(t,
		[]string{"prolog", "exec", "exec", "exec", "epilog"},
		calls)
}

func TestExecuteUnknown(t *testing.T) {
	l := NewLauncher()
	_, err := l.Execute("missing")
	require.ErrorIs(t, err, ErrUnknownTest)
}

func TestExecErrorPropagates(t *testing.T) {
	l := NewLauncher()
	boom := errors.New("boom")
	require.NoError(t, l.Register(&Measurement{
		Name: "failing",
		Exec: func() error { return boom },
	}))

	_, err := l.Execute("failing")
	require.ErrorIs(t, err, boom)
}

func TestDescribe(t *testing.T) {
	l := NewLauncher()
	require.NoError(t, l.Register(&Measurement{
		Name:     "described",
		Desc:     "short",
		LongDesc: "much longer text",
		Exec:     func() error { return nil },
	}))
	require.NoError(t, l.Register(&Measurement{
		Name: "bare",
		Exec: func() error { return nil },
	}))

	short, err := l.Describe("described", false)
	require.NoError(t, err)
	require.Equal(t, "short", short)

	long, err := l.Describe("described", true)
	require.NoError(t, err)
	require.Equal(t, "much longer text", long)

	fallback, err := l.Describe("bare", true)
	require.NoError(t, err)
	require.Equal(t, "description not available", fallback)

	_, err = l.Describe("missing", false)
	require.ErrorIs(t, err, ErrUnknownTest)
}

func TestDecodeOptions(t *testing.T) {
	raw := map[string]interface{}{
		"packet_size": "1504",
		"repetitions": 25,
	}
	var opts Options
	require.NoError(t, DecodeOptions(raw, &opts))
	require.Equal(t, 1504, opts.PacketSize)
	require.Equal(t, 25, opts.Repetitions)
}

func TestBuiltins(t *testing.T) {
	l := NewLauncher()
	require.NoError(t, RegisterBuiltins(l, Options{Repetitions: 2}))

	names := l.Names()
	require.Contains(t, names, "baseline")
	require.Contains(t, names, "memcpy")
	require.Contains(t, names, "pool")
	require.Contains(t, names, "frag-zero-copy")
	require.Contains(t, names, "frag-copy")
	require.Contains(t, names, "defrag")
	require.Contains(t, names, "bus-seq")

	results, err := l.ExecuteAll()
	require.NoError(t, err)
	require.Len(t, results, len(names))
	for _, res := range results {
		require.Equal(t, 2, res.Iterations)
		require.GreaterOrEqual(t, res.Total, res.Average)
	}
}
