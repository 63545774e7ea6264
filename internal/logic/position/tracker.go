// Package position holds the authoritative step counters of the stand.
// There are no encoders: a position is only ever the sum of committed
// steps plus the corrections made at physically verified boundaries.
package position

import (
	"errors"
	"fmt"
	"sync"
)

// Axis is one of the three motorized axes.
type Axis int

const (
	Tray Axis = iota
	Zoom
	Focus

	NumAxes = 3
)

// Axes lists every axis in homing-independent order.
var Axes = [NumAxes]Axis{Tray, Zoom, Focus}

func (a Axis) String() string {
	switch a {
	case Tray:
		return "tray"
	case Zoom:
		return "zoom"
	case Focus:
		return "focus"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ParseAxis maps a name back to its Axis.
func ParseAxis(s string) (Axis, error) {
	for _, a := range Axes {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

var (
	// ErrOutOfRange is returned when a position would leave [Min, Max].
	ErrOutOfRange = errors.New("out of range")
	// ErrMoveInFlight is returned when a correction targets a moving axis.
	ErrMoveInFlight = errors.New("move in flight")
	// ErrAxisBusy is returned when a second move starts on a moving axis.
	ErrAxisBusy = errors.New("axis busy")
)

// Bounds is the admissible travel of an axis.
type Bounds struct {
	Min int
	Max int
}

// Contains reports whether step lies within the bounds.
func (b Bounds) Contains(step int) bool {
	return step >= b.Min && step <= b.Max
}

// AxisState is a copy of one axis' bookkeeping.
type AxisState struct {
	Current       int  `json:"current_step"`
	Min           int  `json:"min_step"`
	Max           int  `json:"max_step"`
	Homed         bool `json:"homed"`
	InFlight      bool `json:"in_flight"`
	LastDirection int  `json:"last_direction"` // +1, -1, or 0 before any move
}

// Tracker owns the per-axis step counters. Every read or mutation is a
// single critical section.
type Tracker struct {
	mu   sync.Mutex
	axes [NumAxes]AxisState
}

// NewTracker creates a tracker with every axis unhomed. Each axis starts at
// the value inside its bounds closest to zero.
func NewTracker(bounds [NumAxes]Bounds) (*Tracker, error) {
	t := &Tracker{}
	for _, a := range Axes {
		b := bounds[a]
		if b.Min > b.Max {
			return nil, fmt.Errorf("%s: min_step %d > max_step %d", a, b.Min, b.Max)
		}
		start := 0
		if start < b.Min {
			start = b.Min
		}
		if start > b.Max {
			start = b.Max
		}
		t.axes[a].Current = start
		t.axes[a].Min = b.Min
		t.axes[a].Max = b.Max
	}
	return t, nil
}

// Get returns the current step of axis.
func (t *Tracker) Get(a Axis) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.axes[a].Current
}

// State returns a copy of the axis state.
func (t *Tracker) State(a Axis) AxisState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.axes[a]
}

// Snapshot returns a copy of every axis state.
func (t *Tracker) Snapshot() [NumAxes]AxisState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.axes
}

// Bounds returns the travel bounds of axis.
func (t *Tracker) Bounds(a Axis) Bounds {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Bounds{Min: t.axes[a].Min, Max: t.axes[a].Max}
}

// ApplyStep commits delta steps on axis. A result outside the bounds is
// rejected, not clamped, and the position is left unchanged.
func (t *Tracker) ApplyStep(a Axis, delta int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.axes[a]
	next := s.Current + delta
	if next < s.Min || next > s.Max {
		return s.Current, fmt.Errorf("%s: step to %d outside [%d, %d]: %w", a, next, s.Min, s.Max, ErrOutOfRange)
	}
	s.Current = next
	switch {
	case delta > 0:
		s.LastDirection = 1
	case delta < 0:
		s.LastDirection = -1
	}
	return next, nil
}

// Correct overwrites the position of an idle axis with a physically
// verified value.
func (t *Tracker) Correct(a Axis, value int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.axes[a]
	if s.InFlight {
		return fmt.Errorf("%s: correct to %d: %w", a, value, ErrMoveInFlight)
	}
	if value < s.Min || value > s.Max {
		return fmt.Errorf("%s: correct to %d outside [%d, %d]: %w", a, value, s.Min, s.Max, ErrOutOfRange)
	}
	s.Current = value
	return nil
}

// CorrectFrom realigns an idle axis given that it was observed at
// observed while physically at known. Steps committed since the
// observation are preserved. It returns the applied drift.
func (t *Tracker) CorrectFrom(a Axis, observed, known int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.axes[a]
	if s.InFlight {
		return 0, fmt.Errorf("%s: realign: %w", a, ErrMoveInFlight)
	}
	drift := known - observed
	next := s.Current + drift
	if next < s.Min || next > s.Max {
		return 0, fmt.Errorf("%s: realign to %d outside [%d, %d]: %w", a, next, s.Min, s.Max, ErrOutOfRange)
	}
	s.Current = next
	return drift, nil
}

// BeginMove marks axis as moving. Only one move per axis may be in flight.
func (t *Tracker) BeginMove(a Axis) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.axes[a].InFlight {
		return fmt.Errorf("%s: %w", a, ErrAxisBusy)
	}
	t.axes[a].InFlight = true
	return nil
}

// EndMove clears the in-flight mark set by BeginMove.
func (t *Tracker) EndMove(a Axis) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.axes[a].InFlight = false
}

// InFlight reports whether a move is running on axis.
func (t *Tracker) InFlight(a Axis) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.axes[a].InFlight
}

// SetHomed sets the homed flag of axis.
func (t *Tracker) SetHomed(a Axis, homed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.axes[a].Homed = homed
}

// Homed reports whether axis has a valid reference.
func (t *Tracker) Homed(a Axis) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.axes[a].Homed
}

// InvalidateIfMoving marks axis unhomed when a move is in flight and
// reports whether it did so.
func (t *Tracker) InvalidateIfMoving(a Axis) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.axes[a].InFlight {
		return false
	}
	t.axes[a].Homed = false
	return true
}
