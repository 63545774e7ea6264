// Package safety validates every move against the homed state and travel
// bounds, and turns limit-switch assertions into immediate halts.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/logic/position"
)

var (
	// ErrUnhomed rejects a regular move on an axis without a reference.
	ErrUnhomed = errors.New("axis not homed")
	// ErrLimitAsserted reports a move halted by a limit switch.
	ErrLimitAsserted = errors.New("limit asserted mid-move")
)

// LimitEvent is published for every accepted limit-switch assertion.
type LimitEvent struct {
	Axis   position.Axis
	Step   int
	Halted bool // a move was in flight and has been halted; the axis is now unhomed
	Time   time.Time
}

// LimitSource reports the debounced state of the limit switch of an axis.
type LimitSource interface {
	LimitActive(a position.Axis) bool
}

// Interlock wraps the position tracker with the move policy. The halt
// generation of an axis changes whenever a limit halts it; movers compare
// it before every pulse.
type Interlock struct {
	tracker *position.Tracker

	mu     sync.Mutex
	gens   [position.NumAxes]uint64
	subs   map[chan LimitEvent]struct{}
	limits LimitSource
	toward [position.NumAxes]int
}

// New creates an interlock over tracker.
func New(tracker *position.Tracker) *Interlock {
	return &Interlock{
		tracker: tracker,
		subs:    make(map[chan LimitEvent]struct{}),
	}
}

// CheckMove validates a whole move before any pulse is issued.
// Homing moves skip both checks: the axis has no reference yet.
func (i *Interlock) CheckMove(a position.Axis, target int, homing bool) error {
	if homing {
		return nil
	}
	st := i.tracker.State(a)
	if !st.Homed {
		return fmt.Errorf("%s: %w", a, ErrUnhomed)
	}
	if target < st.Min || target > st.Max {
		return fmt.Errorf("%s: target %d outside [%d, %d]: %w", a, target, st.Min, st.Max, position.ErrOutOfRange)
	}
	return nil
}

// SetLimits gives the interlock a read of the limit switches. toward holds
// the step direction that presses the switch of each axis (0: no switch).
func (i *Interlock) SetLimits(src LimitSource, toward [position.NumAxes]int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.limits = src
	i.toward = toward
}

// Generation returns the current halt generation of axis.
func (i *Interlock) Generation(a position.Axis) uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.gens[a]
}

// CheckStep re-validates a move before the pulse that would bring axis to
// next. gen is the generation read when the move started. A regular pulse
// driving further into an asserted limit halts the move and unhomes the
// axis, whether or not the assertion was seen while it was moving.
func (i *Interlock) CheckStep(a position.Axis, next int, gen uint64, homing bool) error {
	if i.Generation(a) != gen {
		return fmt.Errorf("%s: %w", a, ErrLimitAsserted)
	}
	if err := i.CheckMove(a, next, homing); err != nil {
		return err
	}
	if homing || !i.pressesLimit(a, next) {
		return nil
	}

	i.mu.Lock()
	i.tracker.SetHomed(a, false)
	i.gens[a]++
	evt := LimitEvent{
		Axis:   a,
		Step:   i.tracker.Get(a),
		Halted: true,
		Time:   time.Now(),
	}
	i.publishLocked(evt)
	i.mu.Unlock()

	debug.Info("Limit %s already asserted at step %d: move toward it halted, axis unhomed", a, evt.Step)
	return fmt.Errorf("%s: step toward asserted limit: %w", a, ErrLimitAsserted)
}

// pressesLimit reports whether stepping axis to next drives into its
// asserted limit switch.
func (i *Interlock) pressesLimit(a position.Axis, next int) bool {
	i.mu.Lock()
	src, toward := i.limits, i.toward[a]
	i.mu.Unlock()
	if src == nil || toward == 0 {
		return false
	}
	dir := next - i.tracker.Get(a)
	if dir*toward <= 0 {
		return false
	}
	return src.LimitActive(a)
}

// LimitAsserted is called synchronously by the sensor monitor when a limit
// switch of axis asserts. An in-flight move is halted before its next
// pulse and the axis loses its reference.
func (i *Interlock) LimitAsserted(a position.Axis) LimitEvent {
	i.mu.Lock()
	halted := i.tracker.InvalidateIfMoving(a)
	if halted {
		i.gens[a]++
	}
	evt := LimitEvent{
		Axis:   a,
		Step:   i.tracker.Get(a),
		Halted: halted,
		Time:   time.Now(),
	}
	i.publishLocked(evt)
	i.mu.Unlock()

	if halted {
		debug.Info("Limit %s asserted mid-move at step %d: halted, axis unhomed", a, evt.Step)
	} else {
		debug.Live("Limit %s asserted (no move in flight)", a)
	}
	return evt
}

func (i *Interlock) publishLocked(evt LimitEvent) {
	for ch := range i.subs {
		select {
		case ch <- evt:
		default:
			// subscriber not keeping up, skip
		}
	}
}

// Subscribe returns a channel of limit events and a cleanup function.
func (i *Interlock) Subscribe() (<-chan LimitEvent, func()) {
	ch := make(chan LimitEvent, 8)
	i.mu.Lock()
	i.subs[ch] = struct{}{}
	i.mu.Unlock()

	unsub := func() {
		i.mu.Lock()
		delete(i.subs, ch)
		i.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}
