// Package harness registers named measurements and executes them while
// timing the measured function, reporting the average duration over a
// configured number of repetitions. It is the frontend the bench
// command drives.
package harness

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/emichael72/usb-eval/internal/log"
	"github.com/emichael72/usb-eval/internal/metrics"
)

// MaxItems bounds the number of registered measurements.
const MaxItems = 32

var (
	ErrNilExec       = errors.New("usbeval: measurement has no exec function")
	ErrDuplicateName = errors.New("usbeval: measurement name already registered")
	ErrTooManyItems  = errors.New("usbeval: measurement registry is full")
	ErrUnknownTest   = errors.New("usbeval: no such measurement")
)

// Measurement describes one registered benchmark. Init runs once on
// first execution, Prolog before every run, Exec is the timed
// function, Epilog after every run. All hooks except Exec are
// optional.
type Measurement struct {
	Name        string
	Desc        string
	LongDesc    string
	Repetitions int

	Init   func() error
	Prolog func() error
	Exec   func() error
	Epilog func() error

	inited bool
}

// Result is the outcome of one launcher execution.
type Result struct {
	Name       string        `yaml:"name"`
	Iterations int           `yaml:"iterations"`
	Average    time.Duration `yaml:"average"`
	Total      time.Duration `yaml:"total"`
}

func (r Result) String() string {
	return fmt.Sprintf("%-44s (%d iterations): %v avg", r.Name, r.Iterations, r.Average)
}

// Launcher holds the measurement registry.
type Launcher struct {
	items    []*Measurement
	byName   map[string]*Measurement
	overhead time.Duration
}

// NewLauncher returns an empty registry with the timing overhead
// already calibrated.
func NewLauncher() *Launcher {
	return &Launcher{
		byName:   make(map[string]*Measurement),
		overhead: calibrateOverhead(),
	}
}

// calibrateOverhead times an empty function and keeps the smallest
// observation, so that Measure can subtract the cost of the timing
// scaffolding itself.
func calibrateOverhead() time.Duration {
	overhead := time.Duration(1<<63 - 1)
	for i := 0; i < 16; i++ {
		start := time.Now()
		elapsed := time.Since(start)
		if elapsed < overhead {
			overhead = elapsed
		}
	}
	return overhead
}

// Measure times one call of fn, corrected for scaffolding overhead.
func (l *Launcher) Measure(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	if err != nil {
		return 0, err
	}
	if elapsed > l.overhead {
		elapsed -= l.overhead
	}
	return elapsed, nil
}

// Register adds a measurement to the registry.
func (l *Launcher) Register(m *Measurement) error {
	if m == nil || m.Exec == nil {
		return ErrNilExec
	}
	if len(l.items) >= MaxItems {
		return ErrTooManyItems
	}
	if _, dup := l.byName[m.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateName, m.Name)
	}
	if m.Repetitions <= 0 {
		m.Repetitions = 1
	}
	l.items = append(l.items, m)
	l.byName[m.Name] = m
	return nil
}

// Names lists the registered measurement names in registration order.
func (l *Launcher) Names() []string {
	names := make([]string, len(l.items))
	for i, m := range l.items {
		names[i] = m.Name
	}
	return names
}

// Describe returns a measurement's description; long selects the
// extended text when one exists.
func (l *Launcher) Describe(name string, long bool) (string, error) {
	m, ok := l.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTest, name)
	}
	if long && m.LongDesc != "" {
		return m.LongDesc, nil
	}
	if m.Desc == "" {
		return "description not available", nil
	}
	return m.Desc, nil
}

// Execute runs the named measurement: Init once, then Prolog, the
// timed Exec repeated Repetitions times, and Epilog. The reported
// average is over all repetitions.
func (l *Launcher) Execute(name string) (Result, error) {
	m, ok := l.byName[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTest, name)
	}

	if !m.inited && m.Init != nil {
		if err := m.Init(); err != nil {
			return Result{}, fmt.Errorf("init of %q: %w", name, err)
		}
		m.inited = true
	}
	if m.Prolog != nil {
		if err := m.Prolog(); err != nil {
			return Result{}, fmt.Errorf("prolog of %q: %w", name, err)
		}
	}

	var total time.Duration
	for i := 0; i < m.Repetitions; i++ {
		elapsed, err := l.Measure(m.Exec)
		if err != nil {
			return Result{}, fmt.Errorf("exec of %q: %w", name, err)
		}
		total += elapsed
	}

	if m.Epilog != nil {
		if err := m.Epilog(); err != nil {
			return Result{}, fmt.Errorf("epilog of %q: %w", name, err)
		}
	}

	res := Result{
		Name:       name,
		Iterations: m.Repetitions,
		Average:    total / time.Duration(m.Repetitions),
		Total:      total,
	}
	metrics.BenchDurationSeconds.WithLabelValues(name).Observe(res.Average.Seconds())
	log.WithField("test", name).WithField("avg", res.Average).Debug("measurement complete")
	return res, nil
}

// ExecuteAll runs every registered measurement and returns the results
// sorted by name.
func (l *Launcher) ExecuteAll() ([]Result, error) {
	results := make([]Result, 0, len(l.items))
	for _, m := range l.items {
		res, err := l.Execute(m.Name)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, nil
}

// DecodeOptions maps a loosely typed options block (as read from a
// config file) onto a typed options struct.
func DecodeOptions(raw map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
