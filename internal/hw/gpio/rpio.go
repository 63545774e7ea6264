package gpio

import (
	"fmt"
	"sync"

	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Sensor polling, button polling and the mover share it, so the pin
// table is guarded.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
	high map[int]bool // outputs last driven high
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		high: make(map[int]bool),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	r.pins[pin] = p

	delete(r.high, pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
		p.Low()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

func (r *RPiDriver) SetPull(pin int, pull Pull) error {
	debug.GPIO("SetPull", pin, pull)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		if err := r.setupLocked(pin, Input); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	switch pull {
	case PullOff:
		p.PullOff()
	case PullUp:
		p.PullUp()
	case PullDown:
		p.PullDown()
	default:
		return fmt.Errorf("unknown pull mode: %d", pull)
	}
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.setupLocked(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}
	r.high[pin] = level == High

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	r.mu.Lock()
	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.setupLocked(pin, Input); err != nil {
			r.mu.Unlock()
			return Low, err
		}
		p = r.pins[pin]
	}
	r.mu.Unlock()

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// Close resets pins to input and unmaps GPIO memory. Outputs last driven
// high stay driven: a released A4988 ENABLE must not float back low.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetPins(rpio.Pin.Input)

	return rpio.Close()
}

func (r *RPiDriver) resetPins(input func(rpio.Pin)) {
	for pin, p := range r.pins {
		if r.high[pin] {
			debug.Verbose("Leaving pin %d driven high", pin)
			continue
		}
		debug.Verbose("Resetting pin %d to input", pin)
		input(p)
	}
}
