// Package autonomous cycles through the specimens while nobody touches
// the buttons: every dwell interval the next specimen is brought under
// the lens with its zoom and focus presets.
package autonomous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mindatnh/scopestand/internal/catalog"
	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/logic/mode"
	"github.com/mindatnh/scopestand/internal/logic/position"
	"github.com/mindatnh/scopestand/internal/logic/specimen"
)

// Mover issues absolute moves.
type Mover interface {
	MoveToAbsolute(ctx context.Context, a position.Axis, target int) (int, error)
}

// State is the scheduler state.
type State int

const (
	Idle    State = iota // token held elsewhere, watching
	Cycling              // token held, dwelling or moving
)

func (s State) String() string {
	if s == Cycling {
		return "cycling"
	}
	return "idle"
}

// Config holds the scheduler parameters.
type Config struct {
	Dwell    time.Duration
	Interval time.Duration // tick period of Run
}

// Scheduler is the idle-triggered specimen cycle.
type Scheduler struct {
	cfg     Config
	token   *mode.Token
	mover   Mover
	tracker *position.Tracker
	indexer *specimen.Indexer
	catalog *catalog.Catalog

	mu         sync.Mutex
	state      State
	dwellStart time.Time
	current    int  // specimen pointer
	retry      bool // last attempt failed: show current again
	advances   int
	lastErr    error
}

// New creates a scheduler in the Idle state.
func New(cfg Config, token *mode.Token, mover Mover, tracker *position.Tracker, indexer *specimen.Indexer, cat *catalog.Catalog) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		token:   token,
		mover:   mover,
		tracker: tracker,
		indexer: indexer,
		catalog: cat,
	}
}

// Seed sets the specimen pointer, typically to the specimen under the
// lens once homing is done.
func (s *Scheduler) Seed(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
}

// Current returns the specimen pointer (0 before any).
func (s *Scheduler) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// State returns the scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advances returns the number of specimens shown so far.
func (s *Scheduler) Advances() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advances
}

// LastError returns the error of the last failed attempt, nil after a
// success.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// NoteActivity restarts the dwell timer. Any manual activity calls it,
// whether or not the token changed hands.
func (s *Scheduler) NoteActivity(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dwellStart = now
}

// Run ticks every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick advances the cycle when the dwell interval has expired. The move
// runs in the caller's goroutine and stops between two pulses if the
// token is taken away.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if s.token.Current() != mode.Autonomous {
		s.state = Idle
		s.mu.Unlock()
		return
	}
	if s.state == Idle {
		// just received the token: dwell on what is shown first
		s.state = Cycling
		s.dwellStart = now
		s.mu.Unlock()
		return
	}
	if now.Sub(s.dwellStart) < s.cfg.Dwell {
		s.mu.Unlock()
		return
	}
	id := s.current
	if !s.retry {
		id = s.indexer.Next(id)
	}
	s.current = id
	s.dwellStart = now
	s.mu.Unlock()

	err := s.show(ctx, id)

	s.mu.Lock()
	s.retry = err != nil
	s.lastErr = err
	if err == nil {
		s.advances++
	}
	s.mu.Unlock()

	if err != nil {
		debug.Error(fmt.Errorf("autonomous: specimen %d: %w (retry next dwell)", id, err))
		return
	}
	debug.Specimen(id, "autonomous")
}

// show brings specimen id under the lens: tray to the nearest admissible
// position plus the rotation offset, then zoom and focus presets.
func (s *Scheduler) show(ctx context.Context, id int) error {
	lease, cancel, err := s.token.Lease(ctx, mode.Autonomous)
	if err != nil {
		return err
	}
	defer cancel()

	doc, ok := s.catalog.Config(id)
	if !ok {
		debug.Verbose("Autonomous: no metadata for specimen %d, using defaults", id)
	}
	// Measured without the offset so a retry lands on the same spot.
	tray := s.tracker.State(position.Tray)
	target, err := s.indexer.TargetFor(id, tray.Current-doc.DefaultRotationOffset, tray.LastDirection)
	if err != nil {
		return err
	}
	debug.Verbose("Autonomous: specimen %d -> tray %d%+d zoom %d focus %d",
		id, target, doc.DefaultRotationOffset, doc.DefaultZoom, doc.DefaultFocus)

	moves := []struct {
		axis   position.Axis
		target int
	}{
		{position.Tray, target},
		{position.Tray, target + doc.DefaultRotationOffset},
		{position.Zoom, doc.DefaultZoom},
		{position.Focus, doc.DefaultFocus},
	}
	for _, m := range moves {
		if _, err := s.mover.MoveToAbsolute(lease, m.axis, m.target); err != nil {
			return err
		}
	}
	return nil
}
