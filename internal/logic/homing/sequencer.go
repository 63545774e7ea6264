// Package homing establishes the reference of every axis at startup:
// Idle -> SeekFocusLimit -> SeekZoomLimit -> SeekTrayTab -> Homed.
// Any failure stops the sequence for good (Failed); there is no retry.
package homing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/logic/motion"
	"github.com/mindatnh/scopestand/internal/logic/position"
	"github.com/mindatnh/scopestand/internal/logic/safety"
	"github.com/mindatnh/scopestand/internal/logic/sensors"
)

// ErrHomingTimeout is returned when a reference sensor was not reached
// within the step budget. It needs operator intervention.
var ErrHomingTimeout = errors.New("homing timeout")

// State is the sequencer state.
type State int

const (
	Idle State = iota
	SeekFocusLimit
	SeekZoomLimit
	SeekTrayTab
	Homed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SeekFocusLimit:
		return "seek_focus_limit"
	case SeekZoomLimit:
		return "seek_zoom_limit"
	case SeekTrayTab:
		return "seek_tray_tab"
	case Homed:
		return "homed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Seeker drives an axis without a reference.
type Seeker interface {
	Seek(ctx context.Context, p motion.SeekParams) (int, error)
}

// SensorSource provides the debounced sensor readings.
type SensorSource interface {
	State() sensors.SensorState
}

// AxisPlan describes how one axis finds its reference.
type AxisPlan struct {
	Direction int // +1 or -1, toward the reference sensor
	HomeStep  int // position assigned once the reference is found
	Backoff   int // steps driven back off the sensor before assigning HomeStep
}

// Config holds the homing parameters.
type Config struct {
	Axes       [position.NumAxes]AxisPlan
	MaxSteps   int           // step budget per seek
	HalfPeriod time.Duration // reduced speed
}

// Sequencer runs the homing state machine.
type Sequencer struct {
	seeker  Seeker
	tracker *position.Tracker
	sensors SensorSource
	cfg     Config

	mu    sync.Mutex
	state State
	err   error
}

// New creates a sequencer in the Idle state.
func New(seeker Seeker, tracker *position.Tracker, src SensorSource, cfg Config) *Sequencer {
	return &Sequencer{
		seeker:  seeker,
		tracker: tracker,
		sensors: src,
		cfg:     cfg,
	}
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the sequencer to Failed.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sequencer) setState(st State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.err = err
	s.mu.Unlock()
	debug.Verbose("Homing: %s -> %s", prev, st)
}

// Run homes focus, zoom and tray in that order. It may be called again
// once Homed; a Failed sequencer refuses to run.
func (s *Sequencer) Run(ctx context.Context) error {
	if st := s.State(); st == Failed {
		return fmt.Errorf("homing previously failed: %w", s.Err())
	}
	debug.Section("HOMING")

	steps := []struct {
		state State
		axis  position.Axis
	}{
		{SeekFocusLimit, position.Focus},
		{SeekZoomLimit, position.Zoom},
		{SeekTrayTab, position.Tray},
	}
	for _, st := range steps {
		s.setState(st.state, nil)
		if err := s.HomeAxis(ctx, st.axis); err != nil {
			s.setState(Failed, err)
			debug.Error(fmt.Errorf("homing halted: %w", err))
			return err
		}
	}
	s.setState(Homed, nil)
	debug.Info("Homing complete")
	return nil
}

func (s *Sequencer) reached(a position.Axis) func() bool {
	return func() bool {
		st := s.sensors.State()
		switch a {
		case position.Focus:
			return st.FocusLimit
		case position.Zoom:
			return st.ZoomLimit
		default:
			return st.TabWide
		}
	}
}

// HomeAxis finds the reference of a single axis and marks it homed. It is
// also used to recover an axis halted by a limit switch.
func (s *Sequencer) HomeAxis(ctx context.Context, a position.Axis) error {
	plan := s.cfg.Axes[a]
	reached := s.reached(a)
	s.tracker.SetHomed(a, false)

	if a == position.Tray && reached() {
		// Leave the tab first so the reference is its leading edge.
		_, err := s.seek(ctx, a, -plan.Direction, s.cfg.MaxSteps, func() bool { return !reached() })
		if err != nil {
			return s.wrap(a, err)
		}
	}

	n, err := s.seek(ctx, a, plan.Direction, s.cfg.MaxSteps, reached)
	if err != nil && !(errors.Is(err, safety.ErrLimitAsserted) && reached()) {
		return s.wrap(a, err)
	}
	debug.Live("Homing %s: reference reached after %d steps", a, n)

	if err := s.backoff(ctx, a, -plan.Direction, plan.Backoff); err != nil {
		return s.wrap(a, err)
	}
	if err := s.tracker.Correct(a, plan.HomeStep); err != nil {
		return s.wrap(a, err)
	}
	s.tracker.SetHomed(a, true)
	debug.Info("Homing %s: reference set, position %d", a, plan.HomeStep)
	return nil
}

// backoff drives a fixed distance. The limit that was just reached may be
// reported while backing off; the remaining distance is then resumed.
func (s *Sequencer) backoff(ctx context.Context, a position.Axis, dir, steps int) error {
	for attempt := 0; steps > 0; attempt++ {
		n, err := s.seek(ctx, a, dir, steps, nil)
		steps -= n
		if err == nil {
			return nil
		}
		if !errors.Is(err, safety.ErrLimitAsserted) || attempt >= 2 {
			return err
		}
	}
	return nil
}

func (s *Sequencer) seek(ctx context.Context, a position.Axis, dir, budget int, reached func() bool) (int, error) {
	return s.seeker.Seek(ctx, motion.SeekParams{
		Axis:       a,
		Direction:  dir,
		Budget:     budget,
		HalfPeriod: s.cfg.HalfPeriod,
		Reached:    reached,
	})
}

func (s *Sequencer) wrap(a position.Axis, err error) error {
	if errors.Is(err, motion.ErrSeekBudget) {
		return fmt.Errorf("%s: no reference within %d steps: %w", a, s.cfg.MaxSteps, ErrHomingTimeout)
	}
	return fmt.Errorf("home %s: %w", a, err)
}

// Recover re-homes one axis after it was halted by a limit switch. A
// failure is as fatal as during startup.
func (s *Sequencer) Recover(ctx context.Context, a position.Axis) error {
	if s.State() == Failed {
		return fmt.Errorf("homing previously failed: %w", s.Err())
	}
	debug.Info("Re-homing %s", a)
	if err := s.HomeAxis(ctx, a); err != nil {
		s.setState(Failed, err)
		return err
	}
	return nil
}
