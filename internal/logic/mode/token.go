// Package mode holds the single operating-mode token. Exactly one of
// Homing, Manual or Autonomous is active at any instant; every change is
// one critical section.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mindatnh/scopestand/internal/debug"
)

// ErrModeUnavailable is returned when the token cannot be taken.
var ErrModeUnavailable = errors.New("mode unavailable")

// Mode is the operating mode.
type Mode int

const (
	Homing Mode = iota
	Manual
	Autonomous
)

func (m Mode) String() string {
	switch m {
	case Homing:
		return "homing"
	case Manual:
		return "manual"
	case Autonomous:
		return "autonomous"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Token is the exclusive operating mode. Leases taken on a mode are
// cancelled as soon as the token leaves it, which is how a mover is
// preempted between two pulses.
type Token struct {
	mu   sync.Mutex
	mode Mode
	done chan struct{} // closed when the current mode ends
}

// New creates a token holding initial.
func New(initial Mode) *Token {
	return &Token{mode: initial, done: make(chan struct{})}
}

// Current returns the active mode.
func (t *Token) Current() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Changed returns a channel closed at the next mode change.
func (t *Token) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Acquire takes the token for m. Homing preempts every mode and Manual
// preempts Autonomous; Autonomous is only entered through Transfer.
// Acquiring the mode already held is a no-op.
func (t *Token) Acquire(m Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == m {
		return nil
	}
	switch {
	case m == Homing:
	case m == Manual && t.mode == Autonomous:
	default:
		return fmt.Errorf("acquire %s while %s: %w", m, t.mode, ErrModeUnavailable)
	}
	t.switchLocked(m)
	return nil
}

// Transfer hands the token from one mode to another, failing if from is
// no longer active.
func (t *Token) Transfer(from, to Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode != from {
		return fmt.Errorf("transfer %s -> %s while %s: %w", from, to, t.mode, ErrModeUnavailable)
	}
	if from != to {
		t.switchLocked(to)
	}
	return nil
}

func (t *Token) switchLocked(m Mode) {
	debug.Mode(t.mode.String(), m.String())
	t.mode = m
	close(t.done)
	t.done = make(chan struct{})
}

// Lease returns a context derived from ctx that is cancelled when the
// token leaves m. The caller must call the returned CancelFunc.
func (t *Token) Lease(ctx context.Context, m Mode) (context.Context, context.CancelFunc, error) {
	t.mu.Lock()
	if t.mode != m {
		cur := t.mode
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("lease %s while %s: %w", m, cur, ErrModeUnavailable)
	}
	done := t.done
	t.mu.Unlock()

	lctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-done:
			cancel()
		case <-lctx.Done():
		}
	}()
	return lctx, cancel, nil
}
