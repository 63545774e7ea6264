package stepper

import (
	"time"

	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/hw/gpio"
)

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	Name      string
	StepPin   int
	DirPin    int
	EnablePin int           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepDelay time.Duration // default delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
	Invert    bool          // swap the DIR level for forward
}

// Stepper drives one STEP/DIR driver. A pulse is the unit of physical
// motion: it is always completed once started.
// Constant velocity only; there is no acceleration ramp.
type Stepper struct {
	gpio    gpio.Driver
	cfg     Config
	delay   time.Duration // delay between STEP pulse half-cycles
	forward bool
	dirSet  bool
}

// NewStepper creates a new stepper motor controller.
// cfg.StepDelay: if 0, defaults to 1ms.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)
	_ = g.WritePin(cfg.StepPin, gpio.Low)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// Name returns the configured axis name, for logging.
func (s *Stepper) Name() string {
	return s.cfg.Name
}

// SetDirection sets the DIR line. The write is skipped when the line
// already holds the requested direction.
func (s *Stepper) SetDirection(forward bool) error {
	if s.dirSet && s.forward == forward {
		return nil
	}
	level := gpio.Level(forward)
	if s.cfg.Invert {
		level = !level
	}
	if err := s.gpio.WritePin(s.cfg.DirPin, level); err != nil {
		return err
	}
	s.forward = forward
	s.dirSet = true
	debug.Verbose("Stepper %s: direction forward=%v on pin %d", s.cfg.Name, forward, s.cfg.DirPin)
	return nil
}

// Pulse emits one STEP pulse. halfPeriod <= 0 uses the configured delay.
func (s *Stepper) Pulse(halfPeriod time.Duration) error {
	if halfPeriod <= 0 {
		halfPeriod = s.delay
	}
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(halfPeriod)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(halfPeriod)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}

// Release returns every output of the driver to its safe state:
// STEP low and the driver disabled.
func (s *Stepper) Release() error {
	debug.Verbose("Stepper %s: release", s.cfg.Name)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	return s.Disable()
}
