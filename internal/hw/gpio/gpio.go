package gpio

import (
	"sync"

	"github.com/mindatnh/scopestand/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Pull selects the internal resistor of an input pin.
type Pull int

const (
	PullOff Pull = iota
	PullUp
	PullDown
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation,
// a mock for development on PC, or the simulated rig.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	SetPull(pin int, pull Pull) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver is a test implementation that logs actions and keeps
// pin levels in memory. Inputs can be driven with SetInput.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	closed bool
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// NewMockDriver returns a MockDriver with all pins low.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) SetPull(pin int, pull Pull) error {
	debug.GPIO("SetPull", pin, pull)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	// A pull-up idles high, like the real pin would.
	if _, ok := m.levels[pin]; !ok && pull == PullUp {
		m.levels[pin] = High
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// SetInput drives the level seen by ReadPin on pin.
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
}

// Closed reports whether Close has been called.
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
