// Package specimen maps tray positions to specimens and back. Every
// specimen can be shown at two tray positions, one carousel turn apart.
package specimen

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mindatnh/scopestand/internal/config"
)

// ErrUnknownSpecimen is returned for an id missing from the range table.
var ErrUnknownSpecimen = errors.New("unknown specimen")

// Range is an inclusive span of tray steps.
type Range struct {
	Low  int
	High int
}

func (r Range) contains(step int) bool {
	return step >= r.Low && step <= r.High
}

func (r Range) clamp(step int) int {
	if step < r.Low {
		return r.Low
	}
	if step > r.High {
		return r.High
	}
	return step
}

func (r Range) overlaps(o Range) bool {
	return r.Low <= o.High && o.Low <= r.High
}

// Indexer is the immutable range table.
type Indexer struct {
	ids    []int
	ranges map[int][2]Range
}

// New builds an indexer from the configured table. Ranges of different
// specimens must not overlap.
func New(table []config.SpecimenRangeConfig) (*Indexer, error) {
	ix := &Indexer{ranges: make(map[int][2]Range, len(table))}
	for _, s := range table {
		if len(s.Ranges) != 2 {
			return nil, fmt.Errorf("specimen %d: need exactly 2 ranges, got %d", s.ID, len(s.Ranges))
		}
		if _, dup := ix.ranges[s.ID]; dup {
			return nil, fmt.Errorf("specimen %d: duplicate id", s.ID)
		}
		var rs [2]Range
		for i, r := range s.Ranges {
			if r[0] > r[1] {
				return nil, fmt.Errorf("specimen %d: range [%d, %d] is inverted", s.ID, r[0], r[1])
			}
			rs[i] = Range{Low: r[0], High: r[1]}
		}
		for id, other := range ix.ranges {
			for _, a := range rs {
				for _, b := range other {
					if a.overlaps(b) {
						return nil, fmt.Errorf("specimen %d: range [%d, %d] overlaps specimen %d", s.ID, a.Low, a.High, id)
					}
				}
			}
		}
		ix.ranges[s.ID] = rs
		ix.ids = append(ix.ids, s.ID)
	}
	sort.Ints(ix.ids)
	return ix, nil
}

// IDs returns every specimen id in ascending order.
func (ix *Indexer) IDs() []int {
	return append([]int(nil), ix.ids...)
}

// Ranges returns the two ranges of id.
func (ix *Indexer) Ranges(id int) ([2]Range, bool) {
	rs, ok := ix.ranges[id]
	return rs, ok
}

// TargetFor returns the tray step that shows specimen id with the least
// travel from current. Inside a range the tray stays where it is; outside,
// the nearer endpoint wins. On a tie the candidate reached without
// reversing lastDir is preferred, forward when there is no previous move.
func (ix *Indexer) TargetFor(id, current, lastDir int) (int, error) {
	rs, ok := ix.ranges[id]
	if !ok {
		return 0, fmt.Errorf("specimen %d: %w", id, ErrUnknownSpecimen)
	}
	if lastDir == 0 {
		lastDir = 1
	}

	best := rs[0].clamp(current)
	for _, r := range rs[1:] {
		cand := r.clamp(current)
		db, dc := abs(best-current), abs(cand-current)
		if dc < db || (dc == db && sign(cand-current) == lastDir) {
			best = cand
		}
	}
	return best, nil
}

// SpecimenFor returns the specimen whose range contains step. A step
// between specimens has none.
func (ix *Indexer) SpecimenFor(step int) (int, bool) {
	for _, id := range ix.ids {
		for _, r := range ix.ranges[id] {
			if r.contains(step) {
				return id, true
			}
		}
	}
	return 0, false
}

// Next returns the id following id in the circular order. An unknown id
// restarts at the first specimen.
func (ix *Indexer) Next(id int) int {
	if len(ix.ids) == 0 {
		return 0
	}
	i := sort.SearchInts(ix.ids, id)
	if i < len(ix.ids) && ix.ids[i] == id {
		return ix.ids[(i+1)%len(ix.ids)]
	}
	return ix.ids[0]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
