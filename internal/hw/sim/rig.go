// Package sim provides a simulated stand: a gpio.Driver that turns STEP
// pulses into motion of three virtual axes and derives the tab sensor and
// limit switch levels from their physical positions. It lets the whole
// controller run without a Raspberry Pi.
package sim

import (
	"fmt"
	"sync"

	"github.com/mindatnh/scopestand/internal/config"
	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/hw/gpio"
	"github.com/mindatnh/scopestand/internal/logic/geometry"
)

// Axis indexes, in the order of the configuration.
const (
	Tray = iota
	Zoom
	Focus
	numAxes
)

// TabWidth is the number of steps during which a tab covers its sensor.
const TabWidth = 40

// hardStop is the travel past a limit switch before the mechanism stalls.
const hardStop = 400

type axis struct {
	name      string
	stepPin   int
	dirPin    int
	enablePin int
	invertDir bool

	pos      int // physical position, in steps
	step     gpio.Level
	dir      gpio.Level
	min, max int // hard stops
	pulses   int
}

type input struct {
	activeLow bool
	active    func() bool
}

// Rig is the simulated hardware.
type Rig struct {
	mu     sync.Mutex
	axes   [numAxes]*axis
	inputs map[int]input
	levels map[int]gpio.Level
	modes  map[int]gpio.PinMode
	geo    *geometry.TrayGeometry
	closed bool
}

// New builds a rig matching cfg. The tray starts between two tabs, zoom
// and focus a few hundred steps away from their limit switches.
func New(cfg *config.Config) *Rig {
	r := &Rig{
		inputs: make(map[int]input),
		levels: make(map[int]gpio.Level),
		modes:  make(map[int]gpio.PinMode),
		geo:    geometry.NewTrayGeometry(cfg),
	}

	axisCfgs := [numAxes]config.AxisConfig{cfg.Axes.Tray, cfg.Axes.Zoom, cfg.Axes.Focus}
	names := [numAxes]string{"tray", "zoom", "focus"}
	for i, ac := range axisCfgs {
		r.axes[i] = &axis{
			name:      names[i],
			stepPin:   ac.StepPin,
			dirPin:    ac.DirPin,
			enablePin: ac.EnablePin,
			invertDir: ac.InvertDir,
			min:       ac.MinStep - hardStop,
			max:       ac.MaxStep + hardStop,
		}
	}

	tray := r.axes[Tray]
	tray.min, tray.max = cfg.Axes.Tray.MinStep, cfg.Axes.Tray.MaxStep
	tray.pos = r.geo.Reference() - int(r.geo.TabSpacing()/2)

	for _, i := range []int{Zoom, Focus} {
		ac := axisCfgs[i]
		switchAt := ac.HomeStep() + ac.HomeDirection*cfg.Homing.BackoffSteps
		r.axes[i].pos = switchAt - ac.HomeDirection*500
		if ac.HomeDirection > 0 {
			r.axes[i].max = switchAt + hardStop
		} else {
			r.axes[i].min = switchAt - hardStop
		}
		r.inputs[limitPin(cfg, i)] = input{
			activeLow: limitCfg(cfg, i).ActiveLow,
			active:    r.limitFunc(i, switchAt, ac.HomeDirection),
		}
	}

	r.inputs[cfg.Sensors.TabIndex.Pin] = input{
		activeLow: cfg.Sensors.TabIndex.ActiveLow,
		active:    r.tabIndexActive,
	}
	r.inputs[cfg.Sensors.TabWide.Pin] = input{
		activeLow: cfg.Sensors.TabWide.ActiveLow,
		active:    r.tabWideActive,
	}

	// Buttons are wired to ground with a pull-up: released reads high.
	for _, ac := range axisCfgs {
		for _, pin := range []int{ac.ButtonCWPin, ac.ButtonCCWPin} {
			if pin > 0 {
				r.levels[pin] = gpio.High
			}
		}
	}
	return r
}

func limitCfg(cfg *config.Config, i int) config.InputConfig {
	if i == Zoom {
		return cfg.Sensors.ZoomLimit
	}
	return cfg.Sensors.FocusLimit
}

func limitPin(cfg *config.Config, i int) int {
	return limitCfg(cfg, i).Pin
}

// limitFunc returns the switch state of axis i; the caller holds r.mu.
func (r *Rig) limitFunc(i, switchAt, dir int) func() bool {
	return func() bool {
		return (r.axes[i].pos-switchAt)*dir >= 0
	}
}

func (r *Rig) tabIndexActive() bool {
	pos := r.axes[Tray].pos
	tab, _ := r.geo.NearestTab(pos)
	return pos >= tab && pos < tab+TabWidth
}

func (r *Rig) tabWideActive() bool {
	pos := r.axes[Tray].pos
	ref, _ := r.geo.NearestRevolution(pos)
	return pos >= ref && pos < ref+TabWidth
}

func (r *Rig) SetupPin(pin int, mode gpio.PinMode) error {
	debug.GPIO("SetupPin (sim)", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[pin] = mode
	return nil
}

func (r *Rig) SetPull(pin int, pull gpio.Pull) error {
	debug.GPIO("SetPull (sim)", pin, pull)
	return nil
}

func (r *Rig) WritePin(pin int, level gpio.Level) error {
	debug.GPIO("WritePin (sim)", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("sim: write pin %d after close", pin)
	}
	r.levels[pin] = level
	for _, a := range r.axes {
		switch pin {
		case a.dirPin:
			a.dir = level
		case a.stepPin:
			if level == gpio.High && a.step == gpio.Low && r.enabledLocked(a) {
				a.pulses++
				r.advanceLocked(a)
			}
			a.step = level
		}
	}
	return nil
}

func (r *Rig) enabledLocked(a *axis) bool {
	if a.enablePin <= 0 {
		return true
	}
	return r.levels[a.enablePin] == gpio.Low
}

func (r *Rig) advanceLocked(a *axis) {
	forward := a.dir == gpio.High
	if a.invertDir {
		forward = !forward
	}
	next := a.pos - 1
	if forward {
		next = a.pos + 1
	}
	if next < a.min || next > a.max {
		// stalled against the mechanical stop
		return
	}
	a.pos = next
}

func (r *Rig) ReadPin(pin int) (gpio.Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.inputs[pin]; ok {
		active := in.active()
		if in.activeLow {
			return gpio.Level(!active), nil
		}
		return gpio.Level(active), nil
	}
	return r.levels[pin], nil
}

func (r *Rig) Close() error {
	debug.Trace("GPIO Close (sim)")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Position returns the physical position of axis.
func (r *Rig) Position(i int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.axes[i].pos
}

// Pulses returns the number of STEP rising edges seen on axis.
func (r *Rig) Pulses(i int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.axes[i].pulses
}

// Place moves axis to a physical position without stepping.
func (r *Rig) Place(i, pos int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.axes[i].pos = pos
}

// Slip shifts axis by n steps without the controller knowing, like a
// missed pulse or a slipping belt.
func (r *Rig) Slip(i, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.axes[i].pos += n
}

// Press holds a push button (wired to ground) down or releases it.
func (r *Rig) Press(pin int, down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[pin] = gpio.Level(!down)
}

// Level returns the last level written to an output pin.
func (r *Rig) Level(pin int) gpio.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[pin]
}

// Closed reports whether Close has been called.
func (r *Rig) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
