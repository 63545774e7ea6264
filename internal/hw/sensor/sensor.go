// Package sensor wraps GPIO inputs (optical tab sensors, limit switches,
// push buttons) as active/inactive readings.
package sensor

import (
	"github.com/mindatnh/scopestand/internal/hw/gpio"
)

// Input is a single raw digital reading. It does no debouncing.
type Input interface {
	Active() (bool, error)
}

// Config describes how an input pin is wired.
type Config struct {
	Name       string
	Pin        int
	ActiveHigh bool // true: HIGH means active (optical sensors); false: LOW means active (switch to ground)
	Pull       gpio.Pull
}

// Pin is an Input backed by a GPIO pin.
type Pin struct {
	gpio gpio.Driver
	cfg  Config
}

// NewPin configures the pin as an input with its pull resistor.
func NewPin(g gpio.Driver, cfg Config) *Pin {
	_ = g.SetupPin(cfg.Pin, gpio.Input)
	_ = g.SetPull(cfg.Pin, cfg.Pull)
	return &Pin{gpio: g, cfg: cfg}
}

// Name returns the configured input name.
func (p *Pin) Name() string {
	return p.cfg.Name
}

// Active reads the pin and maps its level through the active polarity.
func (p *Pin) Active() (bool, error) {
	lvl, err := p.gpio.ReadPin(p.cfg.Pin)
	if err != nil {
		return false, err
	}
	return bool(lvl) == p.cfg.ActiveHigh, nil
}

// Fixed is an Input with a settable value, for tests and unwired inputs.
type Fixed struct {
	Value bool
	Err   error
}

func (f *Fixed) Active() (bool, error) {
	return f.Value, f.Err
}
