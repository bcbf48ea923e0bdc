package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fixed(v float64) func() float64 { return func() float64 { return v } }

func TestDelayJitterBounds(t *testing.T) {
	s := New(Options{Interval: 10 * time.Minute, Jitter: 0.3, Rand: fixed(0)}, zerolog.Nop())
	if got := s.Delay(); got != 7*time.Minute {
		t.Fatalf("low jitter delay = %s, want 7m", got)
	}

	s = New(Options{Interval: 10 * time.Minute, Jitter: 0.3, Rand: fixed(0.5)}, zerolog.Nop())
	if got := s.Delay(); got != 10*time.Minute {
		t.Fatalf("mid jitter delay = %s, want 10m", got)
	}

	s = New(Options{Interval: 10 * time.Minute, Jitter: 0.3, Rand: fixed(0.999999)}, zerolog.Nop())
	if got := s.Delay(); got <= 12*time.Minute || got >= 13*time.Minute {
		t.Fatalf("high jitter delay = %s, want between 12m and 13m", got)
	}

	s = New(Options{Interval: 10 * time.Minute}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		if got := s.Delay(); got != 10*time.Minute {
			t.Fatalf("delay without jitter = %s", got)
		}
	}
}

func TestDelayRandomStaysInRange(t *testing.T) {
	s := New(Options{Interval: time.Hour, Jitter: 0.3}, zerolog.Nop())
	for i := 0; i < 200; i++ {
		if d := s.Delay(); d < 42*time.Minute || d >= 78*time.Minute {
			t.Fatalf("delay %s outside [42m, 78m)", d)
		}
	}
}

func TestNextTickAligned(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	s := New(Options{Interval: 10 * time.Minute, AlignToStart: true}, zerolog.Nop())
	if got, want := s.NextTick(now), time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("aligned tick = %s, want %s", got, want)
	}

	s = New(Options{Interval: 10 * time.Minute, AlignToStart: true, Jitter: 0.3, Rand: fixed(0)}, zerolog.Nop())
	// bucket 10:10 shifted back 3m lands before now, so fire shortly
	if got, want := s.NextTick(now), now.Add(time.Second); !got.Equal(want) {
		t.Fatalf("early tick = %s, want %s", got, want)
	}

	s = New(Options{Interval: 10 * time.Minute, AlignToStart: true, Jitter: 0.3, Rand: fixed(1)}, zerolog.Nop())
	if got, want := s.NextTick(now), time.Date(2026, 1, 1, 10, 13, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("late tick = %s, want %s", got, want)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	var ticks int32
	err := s.RunImmediately(ctx, func(context.Context, time.Time) error {
		if atomic.AddInt32(&ticks, 1) == 3 {
			cancel()
		}
		return errors.New("cycle failed")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run error = %v, want context.Canceled", err)
	}
	if got := atomic.LoadInt32(&ticks); got != 3 {
		t.Fatalf("ticks = %d, want 3", got)
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("zero interval should panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
