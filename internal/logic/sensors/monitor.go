// Package sensors polls the tab sensors and limit switches, debounces
// them and turns accepted transitions into halts and drift corrections.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/hw/sensor"
	"github.com/mindatnh/scopestand/internal/logic/geometry"
	"github.com/mindatnh/scopestand/internal/logic/position"
	"github.com/mindatnh/scopestand/internal/logic/safety"
)

// Kind identifies one of the four sensor inputs.
type Kind int

const (
	TabIndex Kind = iota
	TabWide
	ZoomLimit
	FocusLimit

	NumSensors = 4
)

func (k Kind) String() string {
	switch k {
	case TabIndex:
		return "tab_index"
	case TabWide:
		return "tab_wide"
	case ZoomLimit:
		return "zoom_limit"
	case FocusLimit:
		return "focus_limit"
	default:
		return fmt.Sprintf("sensor(%d)", int(k))
	}
}

// SensorState holds the debounced readings. Only the monitor mutates it.
type SensorState struct {
	TabIndex       bool      `json:"tab_index"`
	TabWide        bool      `json:"tab_wide"`
	ZoomLimit      bool      `json:"zoom_limit"`
	FocusLimit     bool      `json:"focus_limit"`
	LastTransition time.Time `json:"last_transition"`
}

func (s *SensorState) set(k Kind, v bool) {
	switch k {
	case TabIndex:
		s.TabIndex = v
	case TabWide:
		s.TabWide = v
	case ZoomLimit:
		s.ZoomLimit = v
	case FocusLimit:
		s.FocusLimit = v
	}
}

// Event is an accepted transition.
type Event struct {
	Sensor Kind
	Active bool
	Time   time.Time
}

// debouncer accepts a new value only after it has been read on count
// consecutive polls.
type debouncer struct {
	count  int
	stable bool
	run    int
}

func (d *debouncer) update(raw bool) bool {
	if raw == d.stable {
		d.run = 0
		return false
	}
	d.run++
	if d.run < d.count {
		return false
	}
	d.stable = raw
	d.run = 0
	return true
}

type correction struct {
	observed int
	known    int
	wide     bool
}

// Monitor is the sensor poll loop.
type Monitor struct {
	inputs    [NumSensors]sensor.Input
	deb       [NumSensors]debouncer
	tracker   *position.Tracker
	interlock *safety.Interlock
	geo       *geometry.TrayGeometry
	interval  time.Duration

	edgeStep int // tray step at the first poll of the current tab-index run

	mu      sync.Mutex
	state   SensorState
	pending *correction
	subs    map[chan Event]struct{}
}

// Config bundles the monitor parameters.
type Config struct {
	Inputs   [NumSensors]sensor.Input
	Debounce [NumSensors]int // consecutive polls, minimum 1
	Interval time.Duration
}

// NewMonitor creates a monitor. Every reading starts inactive.
func NewMonitor(cfg Config, tracker *position.Tracker, interlock *safety.Interlock, geo *geometry.TrayGeometry) *Monitor {
	m := &Monitor{
		inputs:    cfg.Inputs,
		tracker:   tracker,
		interlock: interlock,
		geo:       geo,
		interval:  cfg.Interval,
		subs:      make(map[chan Event]struct{}),
	}
	for k := range m.deb {
		m.deb[k].count = max(cfg.Debounce[k], 1)
	}
	return m
}

// State returns a copy of the debounced readings.
func (m *Monitor) State() SensorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LimitActive reports the debounced limit switch reading of axis. The tray
// has no limit switch.
func (m *Monitor) LimitActive(a position.Axis) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch a {
	case position.Zoom:
		return m.state.ZoomLimit
	case position.Focus:
		return m.state.FocusLimit
	}
	return false
}

// Pending reports whether a tray correction is waiting for the tray to
// stop.
func (m *Monitor) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Subscribe returns a channel of accepted transitions and a cleanup
// function.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	unsub := func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Run polls every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Poll(now)
		}
	}
}

// Poll reads every input once and processes accepted transitions.
func (m *Monitor) Poll(now time.Time) {
	tray := m.tracker.Get(position.Tray)

	var events []Event
	for k := Kind(0); k < NumSensors; k++ {
		in := m.inputs[k]
		if in == nil {
			continue
		}
		raw, err := in.Active()
		if err != nil {
			// treated like a glitch: no transition this poll
			debug.Trace("Sensor %s read failed: %v", k, err)
			continue
		}
		d := &m.deb[k]
		changed := d.update(raw)
		if k == TabIndex && (d.run == 1 || (changed && d.count == 1)) {
			m.edgeStep = tray
		}
		if changed {
			events = append(events, Event{Sensor: k, Active: raw, Time: now})
		}
	}

	if len(events) > 0 {
		m.mu.Lock()
		for _, e := range events {
			m.state.set(e.Sensor, e.Active)
		}
		m.state.LastTransition = now
		state := m.state
		m.mu.Unlock()

		for _, e := range events {
			debug.Sensor(e.Sensor.String(), e.Active)
			switch {
			case e.Sensor == ZoomLimit && e.Active:
				m.interlock.LimitAsserted(position.Zoom)
			case e.Sensor == FocusLimit && e.Active:
				m.interlock.LimitAsserted(position.Focus)
			}
		}
		m.tabEdge(events, state)
		m.publish(events)
	}

	m.applyPending()
}

// tabEdge records a tray correction for a tab reached moving forward.
// The index sensor sees every tab; when the wide sensor is covered too the
// tab is the revolution reference.
func (m *Monitor) tabEdge(events []Event, state SensorState) {
	rising := false
	for _, e := range events {
		if (e.Sensor == TabIndex || e.Sensor == TabWide) && e.Active {
			rising = true
		}
	}
	if !rising || !state.TabIndex {
		return
	}
	st := m.tracker.State(position.Tray)
	if !st.Homed || st.LastDirection <= 0 {
		return
	}

	observed := m.edgeStep
	known, ok := m.geo.NearestTab(observed)
	if state.TabWide {
		known, ok = m.geo.NearestRevolution(observed)
	}
	if !ok {
		debug.Verbose("Tab edge at tray=%d too far from any tab, ignored", observed)
		return
	}
	if known == observed {
		return
	}
	m.mu.Lock()
	m.pending = &correction{observed: observed, known: known, wide: state.TabWide}
	m.mu.Unlock()
}

// applyPending commits the waiting correction once the tray is idle.
func (m *Monitor) applyPending() {
	m.mu.Lock()
	c := m.pending
	m.mu.Unlock()
	if c == nil {
		return
	}

	var drift int
	err := errors.New("tray lost its reference")
	if m.tracker.Homed(position.Tray) {
		drift, err = m.tracker.CorrectFrom(position.Tray, c.observed, c.known)
		if errors.Is(err, position.ErrMoveInFlight) {
			return
		}
	}

	m.mu.Lock()
	if m.pending == c {
		m.pending = nil
	}
	m.mu.Unlock()

	if err != nil {
		debug.Error(fmt.Errorf("tray correction dropped: %w", err))
		return
	}
	kind := "tab"
	if c.wide {
		kind = "reference tab"
	}
	debug.Live("Tray realigned on %s: drift %+d steps (seen at %d, tab at %d)", kind, drift, c.observed, c.known)
}

func (m *Monitor) publish(events []Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		for _, e := range events {
			select {
			case ch <- e:
			default:
				// subscriber not keeping up, skip
			}
		}
	}
}
