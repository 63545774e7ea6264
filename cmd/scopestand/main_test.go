package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mindatnh/scopestand/internal/config"
	"github.com/mindatnh/scopestand/internal/hw/sim"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- overrides ----------

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
axes:
  tray:  {step_pin: 22, dir_pin: 27, enable_pin: 16}
  zoom:  {step_pin: 13, dir_pin: 6}
  focus: {step_pin: 21, dir_pin: 20}
sensors:
  tab_index:   {pin: 19}
  tab_wide:    {pin: 26}
  zoom_limit:  {pin: 17}
  focus_limit: {pin: 5}
defaults:
  debug_level: 1
  mock_gpio: true
`))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestValidateOverrides(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "specimen_1.json")
	if err := os.WriteFile(file, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name    string
		o       overrides
		wantErr bool
	}{
		{"unset", overrides{DebugLevel: -1}, false},
		{"debug_level_4", overrides{DebugLevel: 4}, false},
		{"debug_level_5", overrides{DebugLevel: 5}, true},
		{"debug_level_-2", overrides{DebugLevel: -2}, true},
		{"catalog_dir", overrides{DebugLevel: -1, CatalogDir: dir}, false},
		{"catalog_missing", overrides{DebugLevel: -1, CatalogDir: filepath.Join(dir, "nope")}, true},
		{"catalog_is_file", overrides{DebugLevel: -1, CatalogDir: file}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateOverrides(tc.o)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateOverrides(%+v) = %v, wantErr %v", tc.o, err, tc.wantErr)
			}
		})
	}
}

func TestApplyOverrides_NonZero(t *testing.T) {
	cfg := newTestConfig(t)
	applyOverrides(cfg, overrides{ReportPositions: true, DebugLevel: 3, CatalogDir: "/srv/specimens", WebPort: 9000})

	if !cfg.Defaults.ReportPositions {
		t.Error("ReportPositions not applied")
	}
	if cfg.Defaults.DebugLevel != 3 {
		t.Errorf("DebugLevel = %d, want 3", cfg.Defaults.DebugLevel)
	}
	if cfg.Defaults.CatalogDir != "/srv/specimens" {
		t.Errorf("CatalogDir = %q", cfg.Defaults.CatalogDir)
	}
	if cfg.Defaults.WebPort != 9000 {
		t.Errorf("WebPort = %d, want 9000", cfg.Defaults.WebPort)
	}
}

func TestApplyOverrides_ZeroLeavesUnchanged(t *testing.T) {
	cfg := newTestConfig(t)
	want := cfg.Defaults
	applyOverrides(cfg, overrides{DebugLevel: -1})
	if cfg.Defaults != want {
		t.Errorf("defaults changed: %+v, want %+v", cfg.Defaults, want)
	}
}

func TestSpecimenIDs(t *testing.T) {
	cfg := newTestConfig(t)
	got := specimenIDs(cfg)
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("specimenIDs = %v, want %v", got, want)
	}
}

func TestNewDriver_Mock(t *testing.T) {
	cfg := newTestConfig(t)
	g, err := newDriver(cfg)
	if err != nil {
		t.Fatalf("newDriver: %v", err)
	}
	if _, ok := g.(*sim.Rig); !ok {
		t.Errorf("driver = %T, want *sim.Rig", g)
	}
}

func TestRun_CancelledBeforeHoming(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Defaults.CatalogDir = t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, cfg); err != nil {
		t.Errorf("run = %v, want nil", err)
	}
}

func TestRun_BadCatalog(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "specimen_2.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Defaults.CatalogDir = dir
	if err := run(context.Background(), cfg); err == nil {
		t.Error("run with a malformed catalog file should fail")
	}
}
