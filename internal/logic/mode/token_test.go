package mode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestToken_Acquire(t *testing.T) {
	cases := []struct {
		name    string
		from    Mode
		acquire Mode
		wantErr bool
	}{
		{"manual_preempts_autonomous", Autonomous, Manual, false},
		{"homing_preempts_manual", Manual, Homing, false},
		{"homing_preempts_autonomous", Autonomous, Homing, false},
		{"manual_blocked_by_homing", Homing, Manual, true},
		{"autonomous_never_acquired", Manual, Autonomous, true},
		{"autonomous_blocked_by_homing", Homing, Autonomous, true},
		{"same_mode", Manual, Manual, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok := New(tc.from)
			err := tok.Acquire(tc.acquire)
			if tc.wantErr {
				if !errors.Is(err, ErrModeUnavailable) {
					t.Fatalf("err = %v, want ErrModeUnavailable", err)
				}
				if tok.Current() != tc.from {
					t.Errorf("mode changed to %s on failure", tok.Current())
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tok.Current() != tc.acquire {
				t.Errorf("Current() = %s, want %s", tok.Current(), tc.acquire)
			}
		})
	}
}

func TestToken_Transfer(t *testing.T) {
	tok := New(Homing)
	if err := tok.Transfer(Homing, Autonomous); err != nil {
		t.Fatal(err)
	}
	if err := tok.Transfer(Manual, Autonomous); !errors.Is(err, ErrModeUnavailable) {
		t.Errorf("stale transfer err = %v", err)
	}
	if tok.Current() != Autonomous {
		t.Errorf("Current() = %s", tok.Current())
	}
}

func TestToken_LeaseCancelledOnPreemption(t *testing.T) {
	tok := New(Autonomous)
	ctx, cancel, err := tok.Lease(context.Background(), Autonomous)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := tok.Acquire(Manual); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("lease not cancelled after preemption")
	}
}

func TestToken_LeaseSurvivesSameModeAcquire(t *testing.T) {
	tok := New(Manual)
	ctx, cancel, err := tok.Lease(context.Background(), Manual)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	if err := tok.Acquire(Manual); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
		t.Fatal("lease cancelled without a mode change")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestToken_LeaseWrongMode(t *testing.T) {
	tok := New(Homing)
	if _, _, err := tok.Lease(context.Background(), Manual); !errors.Is(err, ErrModeUnavailable) {
		t.Errorf("err = %v, want ErrModeUnavailable", err)
	}
}

func TestToken_LeaseFollowsParent(t *testing.T) {
	tok := New(Manual)
	parent, stop := context.WithCancel(context.Background())
	ctx, cancel, err := tok.Lease(parent, Manual)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("lease not cancelled with its parent")
	}
}

func TestToken_Changed(t *testing.T) {
	tok := New(Homing)
	ch := tok.Changed()
	select {
	case <-ch:
		t.Fatal("Changed closed before any change")
	default:
	}
	if err := tok.Transfer(Homing, Manual); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("Changed not closed after a change")
	}
}

// Exactly one mode at any instant, whatever the interleaving.
func TestToken_ConcurrentExclusive(t *testing.T) {
	tok := New(Autonomous)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				switch (i + j) % 3 {
				case 0:
					_ = tok.Acquire(Manual)
				case 1:
					_ = tok.Transfer(Manual, Autonomous)
				case 2:
					m := tok.Current()
					if m != Manual && m != Autonomous {
						t.Errorf("unexpected mode %s", m)
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestMode_String(t *testing.T) {
	if Homing.String() != "homing" || Manual.String() != "manual" || Autonomous.String() != "autonomous" {
		t.Error("unexpected mode names")
	}
}
