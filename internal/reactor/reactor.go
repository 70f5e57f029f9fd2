// Package reactor provides the single I/O loop that owns all protocol state.
//
// Goroutines that block on the network (TCP reads and writes, the ICMP
// receiver, the tunnel readiness poller) never touch sockets or sessions
// directly. They post a task to the Loop, and the Loop runs tasks one at a
// time in the order they were posted.
package reactor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/pwnat/internal/recovery"
)

// Loop is a FIFO task queue drained by a single goroutine.
type Loop struct {
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
}

// New creates a loop. Tasks are accepted immediately and run once Run starts.
func New(logger *slog.Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop goroutine. It never blocks. It returns
// false if the loop has been closed and fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drains the queue until ctx is cancelled or Close is called. Tasks still
// queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()

		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.wake:
			if l.isClosed() {
				return nil
			}
		}
	}
}

// Drain runs queued tasks, including tasks they post, until the queue is
// empty. It returns the number of tasks run. Drain must only be called from
// the goroutine that owns the loop; tests use it in place of Run.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			l.run(fn)
			n++
		}
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Close stops accepting tasks and wakes Run so it returns.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.tasks = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// run executes one task. A panicking task is logged and the loop keeps going;
// the owning session is left to be torn down by its own error paths.
func (l *Loop) run(fn func()) {
	defer recovery.RecoverWithLog(l.logger, "reactor.task")
	fn()
}

// Ticker posts a task to the loop at a fixed interval until stopped.
type Ticker struct {
	stop chan struct{}
	once sync.Once

	// stopped is only read and written on the loop goroutine.
	stopped bool
}

// Every posts fn to the loop every d. The first call happens after d; callers
// wanting an immediate first run call fn themselves.
func (l *Loop) Every(d time.Duration, fn func()) *Ticker {
	t := &Ticker{stop: make(chan struct{})}

	go func() {
		defer recovery.RecoverWithLog(l.logger, "reactor.ticker")

		tk := time.NewTicker(d)
		defer tk.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-tk.C:
				ok := l.Post(func() {
					if !t.stopped {
						fn()
					}
				})
				if !ok {
					return
				}
			}
		}
	}()

	return t
}

// Stop cancels the ticker. A tick already queued on the loop is dropped.
// Stop must be called from the loop goroutine and is idempotent.
func (t *Ticker) Stop() {
	t.stopped = true
	t.once.Do(func() { close(t.stop) })
}
