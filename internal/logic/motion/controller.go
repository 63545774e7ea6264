package motion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/logic/position"
	"github.com/mindatnh/scopestand/internal/logic/safety"
)

// StepOutput is the capability needed to move one axis. The hardware
// implementation is *stepper.Stepper.
type StepOutput interface {
	SetDirection(forward bool) error
	Pulse(halfPeriod time.Duration) error
	Enable() error
	Disable() error
	Release() error
}

// ErrSeekBudget is returned when a seek used its whole step budget
// without reaching its reference.
var ErrSeekBudget = errors.New("seek budget exhausted")

// MoveError reports a move that stopped early. Traveled is the signed
// number of pulses committed before the stop.
type MoveError struct {
	Axis     position.Axis
	Target   int
	Traveled int
	Err      error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %s to %d: stopped after %d steps: %v", e.Axis, e.Target, e.Traveled, e.Err)
}

func (e *MoveError) Unwrap() error {
	return e.Err
}

// Controller is the motor driver of the stand. It sits between the
// sequencing logic (homing, manual jogs, autonomous cycling) and the
// low-level steppers. Every pulse goes through the safety interlock first
// and is committed to the position tracker after it completes.
type Controller struct {
	outputs    [position.NumAxes]StepOutput
	tracker    *position.Tracker
	interlock  *safety.Interlock
	halfPeriod time.Duration
}

// NewController creates a motor driver. halfPeriod is the default STEP
// half-cycle for regular moves.
func NewController(outputs [position.NumAxes]StepOutput, tracker *position.Tracker, interlock *safety.Interlock, halfPeriod time.Duration) *Controller {
	return &Controller{
		outputs:    outputs,
		tracker:    tracker,
		interlock:  interlock,
		halfPeriod: halfPeriod,
	}
}

// Tracker returns the position tracker the controller commits to.
func (c *Controller) Tracker() *position.Tracker {
	return c.tracker
}

// MoveRelative moves axis by steps (positive or negative). It returns the
// signed distance actually traveled.
func (c *Controller) MoveRelative(ctx context.Context, a position.Axis, steps int) (int, error) {
	return c.MoveRelativeAt(ctx, a, steps, 0)
}

// MoveRelativeAt is MoveRelative with an explicit half-period
// (0 = controller default).
func (c *Controller) MoveRelativeAt(ctx context.Context, a position.Axis, steps int, halfPeriod time.Duration) (int, error) {
	if steps == 0 {
		return 0, nil
	}
	return c.move(ctx, a, func(cur int) int { return cur + steps }, halfPeriod)
}

// MoveToAbsolute moves axis to target.
func (c *Controller) MoveToAbsolute(ctx context.Context, a position.Axis, target int) (int, error) {
	return c.move(ctx, a, func(int) int { return target }, 0)
}

func (c *Controller) move(ctx context.Context, a position.Axis, targetFrom func(cur int) int, halfPeriod time.Duration) (int, error) {
	if halfPeriod <= 0 {
		halfPeriod = c.halfPeriod
	}
	if err := c.tracker.BeginMove(a); err != nil {
		return 0, &MoveError{Axis: a, Err: err}
	}
	defer c.tracker.EndMove(a)

	gen := c.interlock.Generation(a)
	start := c.tracker.Get(a)
	target := targetFrom(start)
	if err := c.interlock.CheckMove(a, target, false); err != nil {
		return 0, &MoveError{Axis: a, Target: target, Err: err}
	}
	if target == start {
		return 0, nil
	}

	dir := 1
	direction := "forward"
	if target < start {
		dir = -1
		direction = "backward"
	}
	debug.Move(a.String(), abs(target-start), direction)

	out := c.outputs[a]
	if err := out.SetDirection(dir > 0); err != nil {
		return 0, &MoveError{Axis: a, Target: target, Err: err}
	}

	traveled := 0
	for cur := start; cur != target; cur += dir {
		if err := ctx.Err(); err != nil {
			return traveled, &MoveError{Axis: a, Target: target, Traveled: traveled, Err: err}
		}
		if err := c.interlock.CheckStep(a, cur+dir, gen, false); err != nil {
			return traveled, &MoveError{Axis: a, Target: target, Traveled: traveled, Err: err}
		}
		if err := out.Pulse(halfPeriod); err != nil {
			// The pulse may or may not have happened: the count can no longer be trusted.
			c.tracker.SetHomed(a, false)
			return traveled, &MoveError{Axis: a, Target: target, Traveled: traveled, Err: err}
		}
		if _, err := c.tracker.ApplyStep(a, dir); err != nil {
			c.tracker.SetHomed(a, false)
			return traveled, &MoveError{Axis: a, Target: target, Traveled: traveled, Err: err}
		}
		traveled += dir
	}
	return traveled, nil
}

// SeekParams describes an untracked homing move.
type SeekParams struct {
	Axis       position.Axis
	Direction  int           // +1 or -1
	Budget     int           // maximum number of pulses
	HalfPeriod time.Duration // 0 = controller default
	// Reached is checked before every pulse. A nil Reached drives exactly
	// Budget pulses (used for backing off a switch).
	Reached func() bool
}

// Seek drives an axis without a reference. Positions are not committed to
// the tracker: the caller corrects the axis once the reference is known.
// It returns the number of pulses issued.
func (c *Controller) Seek(ctx context.Context, p SeekParams) (int, error) {
	halfPeriod := p.HalfPeriod
	if halfPeriod <= 0 {
		halfPeriod = c.halfPeriod
	}
	if err := c.tracker.BeginMove(p.Axis); err != nil {
		return 0, err
	}
	defer c.tracker.EndMove(p.Axis)

	gen := c.interlock.Generation(p.Axis)
	out := c.outputs[p.Axis]
	if err := out.SetDirection(p.Direction > 0); err != nil {
		return 0, err
	}

	for n := 0; ; n++ {
		if p.Reached != nil && p.Reached() {
			return n, nil
		}
		if n >= p.Budget {
			if p.Reached == nil {
				return n, nil
			}
			return n, fmt.Errorf("%s after %d steps: %w", p.Axis, n, ErrSeekBudget)
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := c.interlock.CheckStep(p.Axis, 0, gen, true); err != nil {
			return n, err
		}
		if err := out.Pulse(halfPeriod); err != nil {
			return n, err
		}
	}
}

// EnableMotors turns on every driver.
func (c *Controller) EnableMotors() error {
	var errs []error
	for _, a := range position.Axes {
		if err := c.outputs[a].Enable(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
		}
	}
	return errors.Join(errs...)
}

// Release returns every driver output to its de-energized state.
func (c *Controller) Release() error {
	var errs []error
	for _, a := range position.Axes {
		if err := c.outputs[a].Release(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
		}
	}
	debug.Info("Motor drivers released")
	return errors.Join(errs...)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
