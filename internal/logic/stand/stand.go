// Package stand assembles the controller: sensor monitor, homing, manual
// and autonomous control around one motor driver, plus the status view
// consumed by the display layer.
package stand

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mindatnh/scopestand/internal/catalog"
	"github.com/mindatnh/scopestand/internal/config"
	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/hw/gpio"
	"github.com/mindatnh/scopestand/internal/hw/sensor"
	"github.com/mindatnh/scopestand/internal/hw/stepper"
	"github.com/mindatnh/scopestand/internal/logic/autonomous"
	"github.com/mindatnh/scopestand/internal/logic/geometry"
	"github.com/mindatnh/scopestand/internal/logic/homing"
	"github.com/mindatnh/scopestand/internal/logic/manual"
	"github.com/mindatnh/scopestand/internal/logic/mode"
	"github.com/mindatnh/scopestand/internal/logic/motion"
	"github.com/mindatnh/scopestand/internal/logic/position"
	"github.com/mindatnh/scopestand/internal/logic/safety"
	"github.com/mindatnh/scopestand/internal/logic/sensors"
	"github.com/mindatnh/scopestand/internal/logic/specimen"
)

// Hardware is the set of capabilities the controller drives.
type Hardware struct {
	Outputs [position.NumAxes]motion.StepOutput
	Sensors [sensors.NumSensors]sensor.Input
	Buttons [position.NumAxes]manual.Buttons
}

// Stand is the running controller.
type Stand struct {
	cfg       *config.Config
	tracker   *position.Tracker
	interlock *safety.Interlock
	ctrl      *motion.Controller
	monitor   *sensors.Monitor
	homing    *homing.Sequencer
	indexer   *specimen.Indexer
	catalog   *catalog.Catalog
	token     *mode.Token
	manual    *manual.Arbiter
	sched     *autonomous.Scheduler
	geo       *geometry.TrayGeometry

	// ReportPositions logs the step counters every position_report_ms.
	// It has no effect on control.
	ReportPositions bool
}

func axisConfigs(cfg *config.Config) [position.NumAxes]config.AxisConfig {
	return [position.NumAxes]config.AxisConfig{
		position.Tray:  cfg.Axes.Tray,
		position.Zoom:  cfg.Axes.Zoom,
		position.Focus: cfg.Axes.Focus,
	}
}

// New wires the controller over hw. The token starts in Homing.
func New(cfg *config.Config, hw Hardware, cat *catalog.Catalog) (*Stand, error) {
	axes := axisConfigs(cfg)

	var bounds [position.NumAxes]position.Bounds
	for _, a := range position.Axes {
		bounds[a] = position.Bounds{Min: axes[a].MinStep, Max: axes[a].MaxStep}
	}
	tracker, err := position.NewTracker(bounds)
	if err != nil {
		return nil, err
	}
	indexer, err := specimen.New(cfg.Specimens)
	if err != nil {
		return nil, err
	}
	if cat == nil {
		cat = catalog.New()
	}

	s := &Stand{
		cfg:             cfg,
		tracker:         tracker,
		interlock:       safety.New(tracker),
		indexer:         indexer,
		catalog:         cat,
		token:           mode.New(mode.Homing),
		geo:             geometry.NewTrayGeometry(cfg),
		ReportPositions: cfg.Defaults.ReportPositions,
	}
	s.ctrl = motion.NewController(hw.Outputs, tracker, s.interlock, cfg.StepHalfPeriod())

	s.monitor = sensors.NewMonitor(sensors.Config{
		Inputs: hw.Sensors,
		Debounce: [sensors.NumSensors]int{
			sensors.TabIndex:   cfg.Sensors.TabIndex.DebounceCount,
			sensors.TabWide:    cfg.Sensors.TabWide.DebounceCount,
			sensors.ZoomLimit:  cfg.Sensors.ZoomLimit.DebounceCount,
			sensors.FocusLimit: cfg.Sensors.FocusLimit.DebounceCount,
		},
		Interval: cfg.SensorPoll(),
	}, tracker, s.interlock, s.geo)
	// zoom and focus home onto their limit switches
	s.interlock.SetLimits(s.monitor, [position.NumAxes]int{
		position.Zoom:  axes[position.Zoom].HomeDirection,
		position.Focus: axes[position.Focus].HomeDirection,
	})

	var plans [position.NumAxes]homing.AxisPlan
	for _, a := range position.Axes {
		plans[a] = homing.AxisPlan{
			Direction: axes[a].HomeDirection,
			HomeStep:  axes[a].HomeStep(),
			Backoff:   cfg.Homing.BackoffSteps,
		}
	}
	// the tray references on the wide tab itself
	plans[position.Tray].HomeStep = cfg.Tray.ReferenceStep
	plans[position.Tray].Backoff = 0
	s.homing = homing.New(s.ctrl, tracker, s.monitor, homing.Config{
		Axes:       plans,
		MaxSteps:   cfg.Homing.MaxSteps,
		HalfPeriod: cfg.SlowHalfPeriod(),
	})

	s.sched = autonomous.New(autonomous.Config{
		Dwell:    cfg.Dwell(),
		Interval: cfg.ButtonPoll(),
	}, s.token, s.ctrl, tracker, indexer, cat)

	var jog [position.NumAxes]int
	for _, a := range position.Axes {
		jog[a] = axes[a].JogSteps
	}
	s.manual = manual.New(manual.Config{
		Buttons:        hw.Buttons,
		JogSteps:       jog,
		Interval:       cfg.ButtonPoll(),
		Debounce:       cfg.ButtonDebounce(),
		IdleThreshold:  cfg.IdleThreshold(),
		SlowHalfPeriod: cfg.SlowHalfPeriod(),
		TabCovered:     func() bool { return s.monitor.State().TabIndex },
	}, s.token, s.ctrl, tracker, s.sched)

	return s, nil
}

// Build creates the hardware on a GPIO driver and wires the controller.
func Build(cfg *config.Config, g gpio.Driver, cat *catalog.Catalog) (*Stand, error) {
	var hw Hardware
	axes := axisConfigs(cfg)
	for _, a := range position.Axes {
		ac := axes[a]
		hw.Outputs[a] = stepper.NewStepper(g, stepper.Config{
			Name:      a.String(),
			StepPin:   ac.StepPin,
			DirPin:    ac.DirPin,
			EnablePin: ac.EnablePin,
			StepDelay: cfg.StepHalfPeriod(),
			Invert:    ac.InvertDir,
		})
		debug.PrintStruct(a.String()+" axis config", ac)
		hw.Buttons[a] = manual.Buttons{
			Forward:  newButton(g, a.String()+"_cw", ac.ButtonCWPin),
			Backward: newButton(g, a.String()+"_ccw", ac.ButtonCCWPin),
		}
	}

	inputs := [sensors.NumSensors]config.InputConfig{
		sensors.TabIndex:   cfg.Sensors.TabIndex,
		sensors.TabWide:    cfg.Sensors.TabWide,
		sensors.ZoomLimit:  cfg.Sensors.ZoomLimit,
		sensors.FocusLimit: cfg.Sensors.FocusLimit,
	}
	for k, in := range inputs {
		pull, err := ParsePull(in.Pull)
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", sensors.Kind(k), err)
		}
		hw.Sensors[k] = sensor.NewPin(g, sensor.Config{
			Name:       sensors.Kind(k).String(),
			Pin:        in.Pin,
			ActiveHigh: !in.ActiveLow,
			Pull:       pull,
		})
	}
	return New(cfg, hw, cat)
}

// newButton returns a push button wired to ground with a pull-up, or nil
// when pin is 0.
func newButton(g gpio.Driver, name string, pin int) sensor.Input {
	if pin <= 0 {
		return nil
	}
	return sensor.NewPin(g, sensor.Config{Name: name, Pin: pin, ActiveHigh: false, Pull: gpio.PullUp})
}

// ParsePull maps a configuration pull name to gpio.Pull.
func ParsePull(s string) (gpio.Pull, error) {
	switch s {
	case "up":
		return gpio.PullUp, nil
	case "down":
		return gpio.PullDown, nil
	case "off", "":
		return gpio.PullOff, nil
	default:
		return gpio.PullOff, fmt.Errorf("unknown pull %q", s)
	}
}

// Run starts the sensor monitor, homes every axis and then runs manual
// control, the autonomous cycle and limit recovery until ctx is
// cancelled. The motor drivers are released on return whatever the cause.
// A homing failure is returned; it needs operator intervention.
func (s *Stand) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		if rerr := s.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	goRun := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	goRun(s.monitor.Run)
	if s.ReportPositions {
		goRun(s.reportPositions)
	}

	if err := s.ctrl.EnableMotors(); err != nil {
		return fmt.Errorf("enable motors: %w", err)
	}
	if err := s.homing.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if id, ok := s.indexer.SpecimenFor(s.tracker.Get(position.Tray)); ok {
		s.sched.Seed(id)
		debug.Specimen(id, "homed")
	}
	events, unsub := s.interlock.Subscribe()
	defer unsub()
	if err := s.token.Transfer(mode.Homing, mode.Autonomous); err != nil {
		return err
	}

	fatal := make(chan error, 1)
	goRun(s.manual.Run)
	goRun(s.sched.Run)
	goRun(func(ctx context.Context) {
		if err := s.superviseLimits(ctx, events); err != nil {
			fatal <- err
		}
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// superviseLimits re-homes an axis halted by a limit switch, then hands
// control back to Manual.
func (s *Stand) superviseLimits(ctx context.Context, events <-chan safety.LimitEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			// a halt reported twice for one assertion finds the axis already re-homed
			if !e.Halted || s.token.Current() == mode.Homing || s.tracker.Homed(e.Axis) {
				continue
			}
			if err := s.recover(ctx, e.Axis); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("recover %s after limit: %w", e.Axis, err)
			}
		}
	}
}

func (s *Stand) recover(ctx context.Context, a position.Axis) error {
	debug.Info("Limit halt on %s: re-homing", a)
	if err := s.token.Acquire(mode.Homing); err != nil {
		return err
	}
	// the halted mover stops before its next pulse
	for s.tracker.InFlight(a) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.StepHalfPeriod()):
		}
	}
	if err := s.homing.Recover(ctx, a); err != nil {
		return err
	}
	return s.token.Transfer(mode.Homing, mode.Manual)
}

func (s *Stand) reportPositions(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PositionReport())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !debug.IsEnabled(debug.LevelInfo) {
				continue
			}
			snap := s.tracker.Snapshot()
			debug.Positions(snap[position.Tray].Current, snap[position.Zoom].Current, snap[position.Focus].Current)
		}
	}
}

// Release de-energizes every motor driver.
func (s *Stand) Release() error {
	return s.ctrl.Release()
}

// Status is the view exposed to the display layer.
type Status struct {
	Mode       string                        `json:"mode"`
	Homing     string                        `json:"homing"`
	Axes       map[string]position.AxisState `json:"axes"`
	Specimen   int                           `json:"specimen"` // 0 between specimens
	Autonomous AutonomousStatus              `json:"autonomous"`
	Sensors    sensors.SensorState           `json:"sensors"`
	Metadata   *catalog.Specimen             `json:"metadata,omitempty"`
	TrayAngle  float64                       `json:"tray_angle_deg"`
}

// AutonomousStatus summarizes the autonomous cycle.
type AutonomousStatus struct {
	State     string `json:"state"`
	Pointer   int    `json:"pointer"`
	Advances  int    `json:"advances"`
	LastError string `json:"last_error,omitempty"`
}

// Status returns the current positions, mode, specimen and sensors.
func (s *Stand) Status() Status {
	snap := s.tracker.Snapshot()
	st := Status{
		Mode:    s.token.Current().String(),
		Homing:  s.homing.State().String(),
		Axes:    make(map[string]position.AxisState, position.NumAxes),
		Sensors: s.monitor.State(),
		Autonomous: AutonomousStatus{
			State:    s.sched.State().String(),
			Pointer:  s.sched.Current(),
			Advances: s.sched.Advances(),
		},
		TrayAngle: s.geo.Degrees(snap[position.Tray].Current),
	}
	if err := s.sched.LastError(); err != nil {
		st.Autonomous.LastError = err.Error()
	}
	for _, a := range position.Axes {
		st.Axes[a.String()] = snap[a]
	}
	st.Specimen = s.displayed(snap[position.Tray])
	if st.Specimen != 0 {
		// unknown ids come back with their defaults
		doc, _ := s.catalog.Config(st.Specimen)
		st.Metadata = &doc
	}
	return st
}

// displayed returns the specimen on display. While cycling it is the
// scheduler pointer, since a rotation offset may leave the tray outside
// the specimen's ranges; otherwise it is read from the tray position.
func (s *Stand) displayed(tray position.AxisState) int {
	if !tray.Homed {
		return 0
	}
	if s.token.Current() == mode.Autonomous && s.sched.State() == autonomous.Cycling &&
		s.sched.LastError() == nil {
		if id := s.sched.Current(); id != 0 {
			return id
		}
	}
	id, _ := s.indexer.SpecimenFor(tray.Current)
	return id
}

// HomingErr returns the error that stopped homing, if any.
func (s *Stand) HomingErr() error {
	if s.homing.State() != homing.Failed {
		return nil
	}
	return s.homing.Err()
}

// Mode returns the active operating mode.
func (s *Stand) Mode() mode.Mode {
	return s.token.Current()
}

// Catalog returns the specimen metadata catalog.
func (s *Stand) Catalog() *catalog.Catalog {
	return s.catalog
}

// SensorEvents subscribes to accepted sensor transitions.
func (s *Stand) SensorEvents() (<-chan sensors.Event, func()) {
	return s.monitor.Subscribe()
}
