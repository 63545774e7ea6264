package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AxisConfig holds the wiring and travel of one motorized axis.
type AxisConfig struct {
	StepPin      int  `yaml:"step_pin"`
	DirPin       int  `yaml:"dir_pin"`
	EnablePin    int  `yaml:"enable_pin"`     // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	InvertDir    bool `yaml:"invert_dir"`     // DIR LOW means forward
	ButtonCWPin  int  `yaml:"button_cw_pin"`  // jog forward button (active LOW, pulled up). 0 = none.
	ButtonCCWPin int  `yaml:"button_ccw_pin"` // jog backward button
	MinStep      int  `yaml:"min_step"`
	MaxStep      int  `yaml:"max_step"`
	// HomeDirection is +1 or -1: the direction driven while seeking the reference.
	HomeDirection int `yaml:"home_direction"`
	// HomePosition is the step value assigned once the reference is found
	// (after backing off). Nil: max_step when homing forward, min_step otherwise.
	HomePosition *int `yaml:"home_position,omitempty"`
	JogSteps     int  `yaml:"jog_steps"` // steps per button poll while held
}

// AxesConfig groups the three axes.
type AxesConfig struct {
	Tray  AxisConfig `yaml:"tray"`
	Zoom  AxisConfig `yaml:"zoom"`
	Focus AxisConfig `yaml:"focus"`
}

// InputConfig describes a sensor input.
type InputConfig struct {
	Pin           int    `yaml:"pin"`
	ActiveLow     bool   `yaml:"active_low"`     // LOW means active
	Pull          string `yaml:"pull"`           // "up", "down" or "off"
	DebounceCount int    `yaml:"debounce_count"` // consecutive stable polls before a transition is accepted
}

// SensorsConfig lists the four sensor inputs.
type SensorsConfig struct {
	TabIndex   InputConfig `yaml:"tab_index"` // optical sensor seeing every tab
	TabWide    InputConfig `yaml:"tab_wide"`  // optical sensor seeing only the wide (reference) tab
	ZoomLimit  InputConfig `yaml:"zoom_limit"`
	FocusLimit InputConfig `yaml:"focus_limit"`
}

// TrayConfig describes the carousel geometry.
type TrayConfig struct {
	ReferenceStep       int `yaml:"reference_step"`       // step value of the wide tab
	StepsPerRev         int `yaml:"steps_per_rev"`        // steps for one full carousel turn
	TabCount            int `yaml:"tab_count"`            // tabs per turn, equally spaced
	CorrectionTolerance int `yaml:"correction_tolerance"` // max drift (steps) accepted at a tab edge
}

// HomingConfig bounds the homing sequence.
type HomingConfig struct {
	MaxSteps     int `yaml:"max_steps"`     // step budget per axis
	BackoffSteps int `yaml:"backoff_steps"` // steps backed off a limit switch before zeroing
}

// TimingConfig holds every interval of the controller.
type TimingConfig struct {
	StepHalfPeriodUs int `yaml:"step_half_period_us"` // regular moves
	SlowHalfPeriodUs int `yaml:"slow_half_period_us"` // homing and tray jogs over a tab
	SensorPollMs     int `yaml:"sensor_poll_ms"`
	ButtonPollMs     int `yaml:"button_poll_ms"`
	ButtonDebounceMs int `yaml:"button_debounce_ms"`
	DwellMs          int `yaml:"dwell_ms"`          // autonomous time per specimen
	IdleThresholdMs  int `yaml:"idle_threshold_ms"` // manual idle time before autonomous resumes
	PositionReportMs int `yaml:"position_report_ms"`
}

// SpecimenRangeConfig maps a specimen to its two tray step ranges.
type SpecimenRangeConfig struct {
	ID     int      `yaml:"id"`
	Ranges [][2]int `yaml:"ranges"` // exactly two [low, high] pairs
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel      int    `yaml:"debug_level"`      // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO        bool   `yaml:"mock_gpio"`        // use the simulated rig (true=dev/test, false=real Raspberry Pi)
	ReportPositions bool   `yaml:"report_positions"` // periodically log live step positions
	WebPort         int    `yaml:"web_port"`         // status server port, 0 = disabled
	CatalogDir      string `yaml:"catalog_dir"`      // directory holding specimen_<n>.json
}

// Config aggregates all application configuration.
type Config struct {
	Axes      AxesConfig            `yaml:"axes"`
	Sensors   SensorsConfig         `yaml:"sensors"`
	Tray      TrayConfig            `yaml:"tray"`
	Homing    HomingConfig          `yaml:"homing"`
	Timing    TimingConfig          `yaml:"timing"`
	Specimens []SpecimenRangeConfig `yaml:"specimens"`
	Defaults  DefaultsConfig        `yaml:"defaults"`
}

// DefaultSpecimens is the range table of the stand as built: ten
// specimens, each reachable at two tray positions one turn apart.
func DefaultSpecimens() []SpecimenRangeConfig {
	return []SpecimenRangeConfig{
		{ID: 1, Ranges: [][2]int{{13809, 14168}, {5575, 5940}}},
		{ID: 2, Ranges: [][2]int{{14630, 14987}, {6399, 6765}}},
		{ID: 3, Ranges: [][2]int{{15454, 15819}, {7223, 7585}}},
		{ID: 4, Ranges: [][2]int{{16284, 16641}, {8060, 8400}}},
		{ID: 5, Ranges: [][2]int{{17103, 17462}, {8900, 9219}}},
		{ID: 6, Ranges: [][2]int{{9600, 10100}, {9600, 10100}}},
		{ID: 7, Ranges: [][2]int{{10495, 10856}, {2292, 2651}}},
		{ID: 8, Ranges: [][2]int{{11314, 11678}, {3133, 3466}}},
		{ID: 9, Ranges: [][2]int{{12150, 12506}, {3937, 4297}}},
		{ID: 10, Ranges: [][2]int{{12977, 13348}, {4758, 5114}}},
	}
}

// ValidateConfigPath checks that path is a .yaml file directly inside a
// configs/ directory and contains no parent references.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, fills defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}

	axisDefaults := func(a *AxisConfig, min, max int) {
		if a.MinStep == 0 && a.MaxStep == 0 {
			a.MinStep, a.MaxStep = min, max
		}
		setInt(&a.HomeDirection, 1)
		setInt(&a.JogSteps, 4)
	}
	axisDefaults(&c.Axes.Tray, 0, 20000)
	axisDefaults(&c.Axes.Zoom, -10000, 0)
	axisDefaults(&c.Axes.Focus, -10000, 0)

	inputDefaults := func(in *InputConfig, pull string, debounce int) {
		if in.Pull == "" {
			in.Pull = pull
		}
		setInt(&in.DebounceCount, debounce)
	}
	inputDefaults(&c.Sensors.TabIndex, "down", 3)
	inputDefaults(&c.Sensors.TabWide, "down", 3)
	inputDefaults(&c.Sensors.ZoomLimit, "up", 2)
	inputDefaults(&c.Sensors.FocusLimit, "up", 2)

	setInt(&c.Tray.ReferenceStep, 10000)
	setInt(&c.Tray.StepsPerRev, 8234)
	setInt(&c.Tray.TabCount, 10)
	setInt(&c.Tray.CorrectionTolerance, 200)

	setInt(&c.Homing.MaxSteps, 12000)
	setInt(&c.Homing.BackoffSteps, 100)

	setInt(&c.Timing.StepHalfPeriodUs, 3500)
	setInt(&c.Timing.SlowHalfPeriodUs, 10000)
	setInt(&c.Timing.SensorPollMs, 20)
	setInt(&c.Timing.ButtonPollMs, 10)
	setInt(&c.Timing.ButtonDebounceMs, 20)
	setInt(&c.Timing.DwellMs, 20000)
	setInt(&c.Timing.IdleThresholdMs, 20000)
	setInt(&c.Timing.PositionReportMs, 1000)

	if len(c.Specimens) == 0 {
		c.Specimens = DefaultSpecimens()
	}
	if c.Defaults.CatalogDir == "" {
		c.Defaults.CatalogDir = "."
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	axes := []struct {
		name string
		a    AxisConfig
	}{
		{"tray", c.Axes.Tray},
		{"zoom", c.Axes.Zoom},
		{"focus", c.Axes.Focus},
	}
	for _, ax := range axes {
		if ax.a.StepPin <= 0 || ax.a.DirPin <= 0 {
			return fmt.Errorf("axes.%s: step_pin and dir_pin are required", ax.name)
		}
		if ax.a.StepPin == ax.a.DirPin {
			return fmt.Errorf("axes.%s: step_pin and dir_pin must differ", ax.name)
		}
		if ax.a.MinStep > ax.a.MaxStep {
			return fmt.Errorf("axes.%s: min_step %d > max_step %d", ax.name, ax.a.MinStep, ax.a.MaxStep)
		}
		if ax.a.HomeDirection != 1 && ax.a.HomeDirection != -1 {
			return fmt.Errorf("axes.%s: home_direction must be 1 or -1, got %d", ax.name, ax.a.HomeDirection)
		}
		if hp := ax.a.HomePosition; hp != nil && (*hp < ax.a.MinStep || *hp > ax.a.MaxStep) {
			return fmt.Errorf("axes.%s: home_position %d outside [%d, %d]", ax.name, *hp, ax.a.MinStep, ax.a.MaxStep)
		}
		if ax.a.JogSteps < 0 {
			return fmt.Errorf("axes.%s: jog_steps must be >= 0", ax.name)
		}
	}

	inputs := []struct {
		name string
		in   InputConfig
	}{
		{"tab_index", c.Sensors.TabIndex},
		{"tab_wide", c.Sensors.TabWide},
		{"zoom_limit", c.Sensors.ZoomLimit},
		{"focus_limit", c.Sensors.FocusLimit},
	}
	for _, s := range inputs {
		if s.in.Pin <= 0 {
			return fmt.Errorf("sensors.%s: pin is required", s.name)
		}
		switch s.in.Pull {
		case "up", "down", "off":
		default:
			return fmt.Errorf("sensors.%s: pull must be up, down or off, got %q", s.name, s.in.Pull)
		}
		if s.in.DebounceCount < 1 {
			return fmt.Errorf("sensors.%s: debounce_count must be >= 1", s.name)
		}
	}

	if c.Tray.StepsPerRev <= 0 || c.Tray.TabCount <= 0 {
		return fmt.Errorf("tray: steps_per_rev and tab_count must be > 0")
	}
	if c.Tray.ReferenceStep < c.Axes.Tray.MinStep || c.Tray.ReferenceStep > c.Axes.Tray.MaxStep {
		return fmt.Errorf("tray.reference_step %d outside tray travel [%d, %d]",
			c.Tray.ReferenceStep, c.Axes.Tray.MinStep, c.Axes.Tray.MaxStep)
	}
	if c.Homing.MaxSteps <= 0 || c.Homing.BackoffSteps < 0 {
		return fmt.Errorf("homing: max_steps must be > 0 and backoff_steps >= 0")
	}
	if c.Timing.DwellMs <= 0 || c.Timing.IdleThresholdMs <= 0 {
		return fmt.Errorf("timing: dwell_ms and idle_threshold_ms must be > 0")
	}

	seen := make(map[int]bool)
	for _, s := range c.Specimens {
		if seen[s.ID] {
			return fmt.Errorf("specimens: duplicate id %d", s.ID)
		}
		seen[s.ID] = true
		if len(s.Ranges) != 2 {
			return fmt.Errorf("specimens: id %d must have exactly 2 ranges, got %d", s.ID, len(s.Ranges))
		}
		for _, r := range s.Ranges {
			if r[0] > r[1] {
				return fmt.Errorf("specimens: id %d range [%d, %d] is inverted", s.ID, r[0], r[1])
			}
			if r[0] < c.Axes.Tray.MinStep || r[1] > c.Axes.Tray.MaxStep {
				return fmt.Errorf("specimens: id %d range [%d, %d] outside tray travel", s.ID, r[0], r[1])
			}
		}
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Defaults.WebPort < 0 || c.Defaults.WebPort > 65535 {
		return fmt.Errorf("defaults.web_port must be 0-65535, got %d", c.Defaults.WebPort)
	}
	return nil
}

// HomeStep returns the step assigned to an axis once homed.
func (a AxisConfig) HomeStep() int {
	if a.HomePosition != nil {
		return *a.HomePosition
	}
	if a.HomeDirection > 0 {
		return a.MaxStep
	}
	return a.MinStep
}

// StepHalfPeriod returns the STEP half-cycle of regular moves.
func (c *Config) StepHalfPeriod() time.Duration {
	return time.Duration(c.Timing.StepHalfPeriodUs) * time.Microsecond
}

// SlowHalfPeriod returns the STEP half-cycle of homing and slow jogs.
func (c *Config) SlowHalfPeriod() time.Duration {
	return time.Duration(c.Timing.SlowHalfPeriodUs) * time.Microsecond
}

// SensorPoll returns the sensor polling interval.
func (c *Config) SensorPoll() time.Duration {
	return time.Duration(c.Timing.SensorPollMs) * time.Millisecond
}

// ButtonPoll returns the button polling interval.
func (c *Config) ButtonPoll() time.Duration {
	return time.Duration(c.Timing.ButtonPollMs) * time.Millisecond
}

// ButtonDebounce returns how long a press must hold before it counts.
func (c *Config) ButtonDebounce() time.Duration {
	return time.Duration(c.Timing.ButtonDebounceMs) * time.Millisecond
}

// Dwell returns the autonomous display time per specimen.
func (c *Config) Dwell() time.Duration {
	return time.Duration(c.Timing.DwellMs) * time.Millisecond
}

// IdleThreshold returns the manual idle time before autonomous resumes.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Timing.IdleThresholdMs) * time.Millisecond
}

// PositionReport returns the live position logging interval.
func (c *Config) PositionReport() time.Duration {
	return time.Duration(c.Timing.PositionReportMs) * time.Millisecond
}
