package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/postalsys/pwnat/internal/logging"
)

func TestLoop_PostRunsInOrder(t *testing.T) {
	l := New(logging.NopLogger())

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	if n := l.Drain(); n != 5 {
		t.Errorf("Drain() = %d, want 5", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestLoop_DrainRunsNestedPosts(t *testing.T) {
	l := New(logging.NopLogger())

	var got []string
	l.Post(func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
	})

	l.Drain()
	if len(got) != 2 || got[1] != "inner" {
		t.Errorf("got = %v", got)
	}
	if l.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", l.Pending())
	}
}

func TestLoop_PanickingTaskDoesNotStopLoop(t *testing.T) {
	l := New(logging.NopLogger())

	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.Drain()

	if !ran {
		t.Error("task after panic did not run")
	}
}

func TestLoop_PostAfterClose(t *testing.T) {
	l := New(logging.NopLogger())
	l.Post(func() { t.Error("queued task ran after Close") })
	l.Close()

	if l.Post(func() {}) {
		t.Error("Post() = true after Close")
	}
	if n := l.Drain(); n != 0 {
		t.Errorf("Drain() = %d after Close", n)
	}
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	l := New(logging.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("posted task did not run")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLoop_RunStopsOnClose(t *testing.T) {
	l := New(logging.NopLogger())

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	l.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestTicker_FiresAndStops(t *testing.T) {
	l := New(logging.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ticks := make(chan struct{}, 16)
	var tk *Ticker
	l.Post(func() {
		tk = l.Every(5*time.Millisecond, func() { ticks <- struct{}{} })
	})

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("ticker did not fire")
		}
	}

	stopped := make(chan struct{})
	l.Post(func() {
		tk.Stop()
		tk.Stop()
		close(stopped)
	})
	<-stopped

	// Drain anything that raced with Stop, then expect silence.
	time.Sleep(20 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	time.Sleep(30 * time.Millisecond)
	if len(ticks) != 0 {
		t.Errorf("ticker fired %d times after Stop", len(ticks))
	}
}
