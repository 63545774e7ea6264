package geometry

import (
	"math"

	"github.com/mindatnh/scopestand/internal/config"
)

// TrayGeometry converts between tray step counts and the physical layout of
// the carousel: equally spaced index tabs and one wide reference tab per
// revolution.
type TrayGeometry struct {
	reference   int
	stepsPerRev int
	tabCount    int
	tolerance   int
}

// NewTrayGeometry creates the tray geometry from configuration.
func NewTrayGeometry(cfg *config.Config) *TrayGeometry {
	return &TrayGeometry{
		reference:   cfg.Tray.ReferenceStep,
		stepsPerRev: cfg.Tray.StepsPerRev,
		tabCount:    cfg.Tray.TabCount,
		tolerance:   cfg.Tray.CorrectionTolerance,
	}
}

// Reference returns the step value of the wide tab.
func (g *TrayGeometry) Reference() int {
	return g.reference
}

// StepsPerRev returns the number of steps in one carousel turn.
func (g *TrayGeometry) StepsPerRev() int {
	return g.stepsPerRev
}

// TabSpacing returns the mean distance between two tabs, in steps.
func (g *TrayGeometry) TabSpacing() float64 {
	return float64(g.stepsPerRev) / float64(g.tabCount)
}

// TabPosition returns the step of tab k, counted from the reference tab
// (k may be negative).
func (g *TrayGeometry) TabPosition(k int) int {
	return g.reference + int(math.Round(float64(k)*g.TabSpacing()))
}

// NearestTab returns the tab position closest to step and whether it lies
// within the correction tolerance.
func (g *TrayGeometry) NearestTab(step int) (int, bool) {
	k := int(math.Round(float64(step-g.reference) / g.TabSpacing()))
	pos := g.TabPosition(k)
	return pos, abs(step-pos) <= g.tolerance
}

// NearestRevolution returns the reference-tab position closest to step
// and whether it lies within the correction tolerance.
func (g *TrayGeometry) NearestRevolution(step int) (int, bool) {
	k := int(math.Round(float64(step-g.reference) / float64(g.stepsPerRev)))
	pos := g.reference + k*g.stepsPerRev
	return pos, abs(step-pos) <= g.tolerance
}

// Revolutions returns the signed number of turns between step and the
// reference.
func (g *TrayGeometry) Revolutions(step int) float64 {
	return float64(step-g.reference) / float64(g.stepsPerRev)
}

// Degrees returns the carousel angle of step in [0, 360), the reference
// tab being at 0.
func (g *TrayGeometry) Degrees(step int) float64 {
	deg := math.Mod(g.Revolutions(step)*360.0, 360.0)
	if deg < 0 {
		deg += 360.0
	}
	return deg
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
