package autonomous

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mindatnh/scopestand/internal/catalog"
	"github.com/mindatnh/scopestand/internal/config"
	"github.com/mindatnh/scopestand/internal/logic/mode"
	"github.com/mindatnh/scopestand/internal/logic/position"
	"github.com/mindatnh/scopestand/internal/logic/specimen"
)

type move struct {
	axis   position.Axis
	target int
}

type fakeMover struct {
	tracker *position.Tracker
	moves   []move
	failOn  position.Axis
	fails   int // number of calls on failOn still to fail
	hook    func(ctx context.Context) error
}

func (m *fakeMover) MoveToAbsolute(ctx context.Context, a position.Axis, target int) (int, error) {
	if m.hook != nil {
		if err := m.hook(ctx); err != nil {
			return 0, err
		}
	}
	if a == m.failOn && m.fails > 0 {
		m.fails--
		return 0, position.ErrOutOfRange
	}
	from := m.tracker.Get(a)
	if err := m.tracker.Correct(a, target); err != nil {
		return 0, err
	}
	m.moves = append(m.moves, move{a, target})
	return target - from, nil
}

const dwell = 20 * time.Second

type fixture struct {
	token   *mode.Token
	tracker *position.Tracker
	mover   *fakeMover
	sched   *Scheduler
	t0      time.Time
}

func newFixture(t *testing.T, start mode.Mode) *fixture {
	t.Helper()
	tr, err := position.NewTracker([position.NumAxes]position.Bounds{
		position.Tray:  {Min: 0, Max: 20000},
		position.Zoom:  {Min: -10000, Max: 0},
		position.Focus: {Min: -10000, Max: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	ix, err := specimen.New([]config.SpecimenRangeConfig{
		{ID: 1, Ranges: [][2]int{{1000, 1100}, {9000, 9100}}},
		{ID: 2, Ranges: [][2]int{{2000, 2100}, {10000, 10100}}},
		{ID: 3, Ranges: [][2]int{{3000, 3100}, {11000, 11100}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	cat := catalog.New(
		catalog.Specimen{DisplayNumber: 1, DefaultZoom: -100, DefaultFocus: -200},
		catalog.Specimen{DisplayNumber: 2, DefaultZoom: -300, DefaultFocus: -400, DefaultRotationOffset: 25},
		catalog.Specimen{DisplayNumber: 3},
	)
	tok := mode.New(start)
	mv := &fakeMover{tracker: tr, failOn: -1}
	s := New(Config{Dwell: dwell, Interval: time.Second}, tok, mv, tr, ix, cat)
	s.Seed(1)
	return &fixture{token: tok, tracker: tr, mover: mv, sched: s, t0: time.Unix(10000, 0)}
}

func (f *fixture) tick(at time.Duration) {
	f.sched.Tick(context.Background(), f.t0.Add(at))
}

func TestScheduler_AdvancesOncePerDwell(t *testing.T) {
	f := newFixture(t, mode.Autonomous)
	var shown []int
	last := f.sched.Current()
	for s := 0; s <= 100; s++ {
		f.tick(time.Duration(s) * time.Second)
		if cur := f.sched.Current(); cur != last {
			shown = append(shown, cur)
			last = cur
		}
	}
	want := []int{2, 3, 1, 2, 3}
	if len(shown) != len(want) {
		t.Fatalf("shown = %v, want %v (one advance per 20 s over 100 s)", shown, want)
	}
	for i := range want {
		if shown[i] != want[i] {
			t.Fatalf("shown = %v, want %v", shown, want)
		}
	}
	if f.sched.Advances() != 5 {
		t.Errorf("Advances() = %d, want 5", f.sched.Advances())
	}
	if f.sched.State() != Cycling {
		t.Errorf("State() = %s, want cycling", f.sched.State())
	}
}

func TestScheduler_FirstAdvanceExactlyAtDwell(t *testing.T) {
	f := newFixture(t, mode.Autonomous)
	f.tick(0)
	f.tick(dwell - time.Millisecond)
	if f.sched.Advances() != 0 {
		t.Fatal("advanced before the dwell interval")
	}
	f.tick(dwell)
	if f.sched.Advances() != 1 {
		t.Fatal("did not advance at the dwell interval")
	}
}

func TestScheduler_IdleWithoutToken(t *testing.T) {
	f := newFixture(t, mode.Manual)
	for s := 0; s <= 100; s += 5 {
		f.tick(time.Duration(s) * time.Second)
	}
	if len(f.mover.moves) != 0 {
		t.Errorf("moves issued without the token: %+v", f.mover.moves)
	}
	if f.sched.State() != Idle {
		t.Errorf("State() = %s, want idle", f.sched.State())
	}
}

func TestScheduler_ActivityResetsDwell(t *testing.T) {
	f := newFixture(t, mode.Autonomous)
	f.tick(0)
	f.sched.NoteActivity(f.t0.Add(15 * time.Second))
	f.tick(20 * time.Second)
	f.tick(34 * time.Second)
	if f.sched.Advances() != 0 {
		t.Fatal("advanced although activity restarted the dwell")
	}
	f.tick(35 * time.Second)
	if f.sched.Advances() != 1 {
		t.Fatal("did not advance 20 s after the activity")
	}
}

func TestScheduler_MoveSequence(t *testing.T) {
	f := newFixture(t, mode.Autonomous)
	if err := f.tracker.Correct(position.Tray, 9050); err != nil {
		t.Fatal(err)
	}
	f.tick(0)
	f.tick(dwell)

	// specimen 2 from 9050: the nearer range is [10000, 10100]
	want := []move{
		{position.Tray, 10000},
		{position.Tray, 10025},
		{position.Zoom, -300},
		{position.Focus, -400},
	}
	if len(f.mover.moves) != len(want) {
		t.Fatalf("moves = %+v, want %+v", f.mover.moves, want)
	}
	for i := range want {
		if f.mover.moves[i] != want[i] {
			t.Errorf("move %d = %+v, want %+v", i, f.mover.moves[i], want[i])
		}
	}
}

func TestScheduler_FailureRetriesSameSpecimen(t *testing.T) {
	f := newFixture(t, mode.Autonomous)
	f.mover.failOn = position.Zoom
	f.mover.fails = 1

	f.tick(0)
	f.tick(dwell)
	if f.sched.Current() != 2 {
		t.Fatalf("Current() = %d, want 2", f.sched.Current())
	}
	if !errors.Is(f.sched.LastError(), position.ErrOutOfRange) {
		t.Errorf("LastError() = %v", f.sched.LastError())
	}
	if f.sched.Advances() != 0 {
		t.Error("failed attempt counted as an advance")
	}

	f.tick(2 * dwell)
	if f.sched.Current() != 2 {
		t.Fatalf("Current() = %d after retry, want still 2", f.sched.Current())
	}
	if f.sched.LastError() != nil || f.sched.Advances() != 1 {
		t.Errorf("retry should succeed: err=%v advances=%d", f.sched.LastError(), f.sched.Advances())
	}

	f.tick(3 * dwell)
	if f.sched.Current() != 3 {
		t.Errorf("Current() = %d, want 3 after a successful retry", f.sched.Current())
	}
}

func TestScheduler_PreemptedMidMove(t *testing.T) {
	f := newFixture(t, mode.Autonomous)
	f.mover.hook = func(ctx context.Context) error {
		if err := f.token.Acquire(mode.Manual); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return errors.New("lease not cancelled")
		}
	}
	f.tick(0)
	f.tick(dwell)

	if !errors.Is(f.sched.LastError(), context.Canceled) {
		t.Fatalf("LastError() = %v, want context.Canceled", f.sched.LastError())
	}
	f.tick(dwell + time.Second)
	if f.sched.State() != Idle {
		t.Errorf("State() = %s, want idle once manual holds the token", f.sched.State())
	}
}

func TestScheduler_ResumesAfterTransfer(t *testing.T) {
	f := newFixture(t, mode.Manual)
	f.tick(0)
	if err := f.token.Transfer(mode.Manual, mode.Autonomous); err != nil {
		t.Fatal(err)
	}
	f.tick(30 * time.Second) // picks up the token, dwell starts here
	f.tick(49 * time.Second)
	if f.sched.Advances() != 0 {
		t.Fatal("advanced before a full dwell with the token")
	}
	f.tick(50 * time.Second)
	if f.sched.Advances() != 1 {
		t.Fatal("no advance one dwell after taking the token")
	}
}
