// Package manual turns the jog push buttons into moves. A press takes the
// operating mode from the autonomous cycle; once the buttons have been
// idle long enough the mode is handed back.
package manual

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/hw/sensor"
	"github.com/mindatnh/scopestand/internal/logic/mode"
	"github.com/mindatnh/scopestand/internal/logic/position"
)

// Mover issues relative moves.
type Mover interface {
	MoveRelativeAt(ctx context.Context, a position.Axis, steps int, halfPeriod time.Duration) (int, error)
}

// ActivityNotifier is told about every accepted press.
type ActivityNotifier interface {
	NoteActivity(now time.Time)
}

// Buttons is the pair of jog buttons of one axis. Either may be nil.
type Buttons struct {
	Forward  sensor.Input
	Backward sensor.Input
}

// Config holds the arbiter parameters.
type Config struct {
	Buttons        [position.NumAxes]Buttons
	JogSteps       [position.NumAxes]int
	Interval       time.Duration // poll period
	Debounce       time.Duration // hold time before a press counts
	IdleThreshold  time.Duration
	SlowHalfPeriod time.Duration // tray jogs while a tab covers the index sensor
	// TabCovered reports the debounced tab-index reading. May be nil.
	TabCovered func() bool
}

// Arbiter polls the buttons and jogs the axes.
type Arbiter struct {
	cfg      Config
	token    *mode.Token
	mover    Mover
	tracker  *position.Tracker
	activity ActivityNotifier

	since [position.NumAxes][2]time.Time // first poll a button was seen down, zero when up

	mu           sync.Mutex
	lastActivity time.Time
}

// New creates an arbiter. activity may be nil.
func New(cfg Config, token *mode.Token, mover Mover, tracker *position.Tracker, activity ActivityNotifier) *Arbiter {
	return &Arbiter{
		cfg:      cfg,
		token:    token,
		mover:    mover,
		tracker:  tracker,
		activity: activity,
	}
}

// LastActivity returns the time of the last accepted press, zero once
// the mode has been handed back.
func (a *Arbiter) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// Run polls the buttons every interval until ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Poll(ctx, now)
		}
	}
}

// pressed returns the jog direction requested for axis: +1, -1 or 0.
// A press counts once the button has been down for the debounce time,
// the poll it was first seen on counting as one interval.
func (a *Arbiter) pressed(ax position.Axis, now time.Time) int {
	b := a.cfg.Buttons[ax]
	held := [2]bool{}
	for i, in := range []sensor.Input{b.Forward, b.Backward} {
		if in == nil {
			continue
		}
		down, err := in.Active()
		if err != nil || !down {
			a.since[ax][i] = time.Time{}
			continue
		}
		if a.since[ax][i].IsZero() {
			a.since[ax][i] = now
		}
		held[i] = now.Sub(a.since[ax][i])+a.cfg.Interval >= a.cfg.Debounce
	}
	switch {
	case held[0] && !held[1]:
		return 1
	case held[1] && !held[0]:
		return -1
	default:
		return 0
	}
}

// Poll reads every button once, jogs the held axes and hands the mode
// back after the idle threshold.
func (a *Arbiter) Poll(ctx context.Context, now time.Time) {
	var dirs [position.NumAxes]int
	active := false
	for _, ax := range position.Axes {
		dirs[ax] = a.pressed(ax, now)
		if dirs[ax] != 0 {
			active = true
		}
	}

	if !active {
		a.checkIdle(now)
		return
	}

	a.mu.Lock()
	a.lastActivity = now
	a.mu.Unlock()
	if a.activity != nil {
		a.activity.NoteActivity(now)
	}

	if err := a.token.Acquire(mode.Manual); err != nil {
		debug.Verbose("Manual: press ignored: %v", err)
		return
	}
	lease, cancel, err := a.token.Lease(ctx, mode.Manual)
	if err != nil {
		debug.Verbose("Manual: %v", err)
		return
	}
	defer cancel()

	for _, ax := range position.Axes {
		if dirs[ax] != 0 {
			a.jog(lease, ax, dirs[ax])
		}
	}
}

func (a *Arbiter) jog(ctx context.Context, ax position.Axis, dir int) {
	st := a.tracker.State(ax)
	if !st.Homed {
		debug.Verbose("Manual: %s not homed, jog ignored", ax)
		return
	}
	steps := a.cfg.JogSteps[ax] * dir
	// never ask for more than the remaining travel
	if dir > 0 {
		steps = min(steps, st.Max-st.Current)
	} else {
		steps = max(steps, st.Min-st.Current)
	}
	if steps == 0 {
		return
	}

	var halfPeriod time.Duration
	if ax == position.Tray && a.cfg.TabCovered != nil && a.cfg.TabCovered() {
		halfPeriod = a.cfg.SlowHalfPeriod
	}
	if _, err := a.mover.MoveRelativeAt(ctx, ax, steps, halfPeriod); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, position.ErrAxisBusy) {
			debug.Verbose("Manual: jog %s interrupted: %v", ax, err)
			return
		}
		debug.Error(err)
	}
}

func (a *Arbiter) checkIdle(now time.Time) {
	if a.token.Current() != mode.Manual {
		return
	}
	a.mu.Lock()
	if a.lastActivity.IsZero() {
		// entered Manual without a press (after a re-home): start the timer now
		a.lastActivity = now
	}
	idle := now.Sub(a.lastActivity)
	a.mu.Unlock()

	if idle < a.cfg.IdleThreshold {
		return
	}
	if err := a.token.Transfer(mode.Manual, mode.Autonomous); err == nil {
		a.mu.Lock()
		a.lastActivity = time.Time{}
		a.mu.Unlock()
		debug.Info("Manual idle for %v, autonomous cycling resumes", idle.Round(time.Millisecond))
	}
}
