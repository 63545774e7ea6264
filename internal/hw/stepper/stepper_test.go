package stepper

import (
	"testing"
	"time"

	"github.com/mindatnh/scopestand/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls []gpioCall
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) SetPull(pin int, pull gpio.Pull) error {
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func testConfig() Config {
	return Config{
		Name:      "tray",
		StepPin:   22,
		DirPin:    27,
		EnablePin: 5,
		StepDelay: 1 * time.Microsecond,
	}
}

func TestStepper_ForwardPulses(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := NewStepper(drv, cfg)
	drv.calls = nil // reset after init

	if err := s.SetDirection(true); err != nil {
		t.Fatalf("SetDirection: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := s.Pulse(0); err != nil {
			t.Fatalf("Pulse: %v", err)
		}
	}

	// First call should set direction HIGH (forward)
	writes := drv.writeCalls()
	if len(writes) == 0 {
		t.Fatal("expected GPIO write calls")
	}
	if writes[0].pin != 27 || writes[0].level != gpio.High {
		t.Errorf("first write should set dir pin HIGH, got pin=%d level=%v", writes[0].pin, writes[0].level)
	}

	stepPulses := 0
	for _, c := range writes {
		if c.pin == cfg.StepPin && c.level == gpio.High {
			stepPulses++
		}
	}
	if stepPulses != 10 {
		t.Errorf("expected 10 step pulses, got %d", stepPulses)
	}
}

func TestStepper_BackwardDirection(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.calls = nil

	if err := s.SetDirection(false); err != nil {
		t.Fatalf("SetDirection: %v", err)
	}
	writes := drv.writeCalls()
	if len(writes) != 1 || writes[0].pin != 27 || writes[0].level != gpio.Low {
		t.Errorf("backward should write LOW to dir pin, got %v", writes)
	}
}

func TestStepper_PulseHalfPeriod(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.calls = nil

	start := time.Now()
	if err := s.Pulse(2 * time.Millisecond); err != nil {
		t.Fatalf("Pulse: %v", err)
	}
	if d := time.Since(start); d < 4*time.Millisecond {
		t.Errorf("pulse took %v, want at least two half-periods", d)
	}
}

func TestStepper_SetDirectionSkipsRepeat(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.calls = nil

	_ = s.SetDirection(true)
	_ = s.SetDirection(true)
	_ = s.SetDirection(false)

	dir := drv.writeCallsForPin(27)
	if len(dir) != 2 {
		t.Fatalf("expected 2 dir writes, got %d", len(dir))
	}
	if dir[0].level != gpio.High || dir[1].level != gpio.Low {
		t.Errorf("dir writes = %v, want HIGH then LOW", dir)
	}
}

func TestStepper_InvertedDirection(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.Invert = true
	s := NewStepper(drv, cfg)
	drv.calls = nil

	_ = s.SetDirection(true)
	dir := drv.writeCallsForPin(27)
	if len(dir) != 1 || dir[0].level != gpio.Low {
		t.Errorf("inverted forward should write LOW to dir pin, got %v", dir)
	}
}

func TestStepper_EnableDisable(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.calls = nil

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	enableCalls := drv.writeCallsForPin(5)
	if len(enableCalls) != 1 || enableCalls[0].level != gpio.Low {
		t.Errorf("Enable should write LOW to enable pin, got %v", enableCalls)
	}

	drv.calls = nil
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	disableCalls := drv.writeCallsForPin(5)
	if len(disableCalls) != 1 || disableCalls[0].level != gpio.High {
		t.Errorf("Disable should write HIGH to enable pin, got %v", disableCalls)
	}
}

func TestStepper_EnableDisable_NoEnablePin(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.EnablePin = 0
	s := NewStepper(drv, cfg)
	drv.calls = nil

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	if len(drv.calls) != 0 {
		t.Errorf("with EnablePin=0, Enable/Disable should produce no GPIO calls, got %d", len(drv.calls))
	}
}

func TestStepper_Release(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.calls = nil

	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	step := drv.writeCallsForPin(22)
	if len(step) != 1 || step[0].level != gpio.Low {
		t.Errorf("Release should drive STEP low, got %v", step)
	}
	enable := drv.writeCallsForPin(5)
	if len(enable) != 1 || enable[0].level != gpio.High {
		t.Errorf("Release should disable the driver, got %v", enable)
	}
}

func TestStepper_DefaultStepDelay(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.StepDelay = 0 // should default to 1ms
	s := NewStepper(drv, cfg)
	if s.delay != 1*time.Millisecond {
		t.Errorf("default delay = %v, want 1ms", s.delay)
	}
}

func TestStepper_StepPulsePattern(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.calls = nil

	s.Pulse(0) // single step

	stepCalls := drv.writeCallsForPin(22)
	// Should be HIGH then LOW
	if len(stepCalls) != 2 {
		t.Fatalf("single step should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != gpio.High {
		t.Error("first pulse should be HIGH")
	}
	if stepCalls[1].level != gpio.Low {
		t.Error("second pulse should be LOW")
	}
}
