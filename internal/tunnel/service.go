package tunnel

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/metrics"
	"github.com/postalsys/pwnat/internal/recovery"
)

// DefaultWaitTimeout bounds each poller wait so the service notices new
// registrations and shutdown even when no connection is active.
const DefaultWaitTimeout = 100 * time.Millisecond

// Poster runs tasks on the I/O loop.
type Poster interface {
	Post(fn func()) bool
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Poller      Poller
	Loop        Poster
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	WaitTimeout time.Duration

	// OnCrash is called from the service goroutine if it panics. The service
	// has stopped dispatching by then.
	OnCrash func(recovered interface{})
}

// request is a pending change to one direction's registrations.
type request struct {
	handle     Handle
	callback   func()
	unregister bool
}

// dispatcher holds the callbacks waiting for one direction of readiness.
type dispatcher struct {
	dir Direction

	mu      sync.Mutex
	pending []request

	// callbacks is owned by the service goroutine.
	callbacks map[Handle]func()
}

func newDispatcher(dir Direction) *dispatcher {
	return &dispatcher{
		dir:       dir,
		callbacks: make(map[Handle]func()),
	}
}

func (d *dispatcher) enqueue(r request) {
	d.mu.Lock()
	d.pending = append(d.pending, r)
	d.mu.Unlock()
}

func (d *dispatcher) takePending() []request {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending
	d.pending = nil
	return p
}

// Service bridges a Poller to the I/O loop.
//
// Registrations are one-shot: when a handle becomes ready its callback is
// posted to the loop once and forgotten. Callers re-register to hear about
// the next event. Requests may come from any goroutine; they are queued and
// applied at the start of the next iteration, never while dispatching.
type Service struct {
	poller  Poller
	loop    Poster
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	onCrash func(interface{})

	recv *dispatcher
	send *dispatcher

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewService creates a service. Call Start to begin dispatching.
func NewService(cfg ServiceConfig) *Service {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Service{
		poller:  cfg.Poller,
		loop:    cfg.Loop,
		logger:  cfg.Logger.With(logging.KeyComponent, "tunnel-service"),
		metrics: cfg.Metrics,
		timeout: cfg.WaitTimeout,
		onCrash: cfg.OnCrash,
		recv:    newDispatcher(Receive),
		send:    newDispatcher(Send),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// RequestReceive posts cb to the loop the next time h is readable.
func (s *Service) RequestReceive(h Handle, cb func()) {
	s.recv.enqueue(request{handle: h, callback: cb})
	s.poller.Wake()
}

// RequestSend posts cb to the loop the next time h is writable.
func (s *Service) RequestSend(h Handle, cb func()) {
	s.send.enqueue(request{handle: h, callback: cb})
	s.poller.Wake()
}

// RequestUnregister drops any callbacks registered for h in either
// direction. A callback already posted to the loop still runs.
func (s *Service) RequestUnregister(h Handle) {
	s.recv.enqueue(request{handle: h, unregister: true})
	s.send.enqueue(request{handle: h, unregister: true})
	s.poller.Wake()
}

// Start launches the service goroutine.
func (s *Service) Start() {
	go s.run()
}

// Stop ends the service goroutine, waits for it and closes the poller.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.poller.Wake()
	})
	<-s.doneCh
	s.poller.Close()
}

// Done is closed when the service goroutine has exited.
func (s *Service) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Service) run() {
	defer close(s.doneCh)
	defer recovery.RecoverWithCallback(s.logger, "tunnel.service", s.crashed)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if !s.iterate() {
			return
		}
	}
}

func (s *Service) crashed(r interface{}) {
	if s.onCrash != nil {
		s.onCrash(r)
	}
}

// iterate applies queued requests, waits once and dispatches what is ready.
// It returns false when the poller has been closed.
func (s *Service) iterate() bool {
	s.apply(s.recv, s.send)
	s.apply(s.send, s.recv)

	readable, writable, err := s.poller.Wait(s.timeout)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return false
		}
		s.logger.Warn("poller wait failed", logging.KeyError, err)
		return true
	}

	s.dispatch(s.recv, s.send, readable)
	s.dispatch(s.send, s.recv, writable)
	return true
}

func (s *Service) apply(d, other *dispatcher) {
	for _, r := range d.takePending() {
		if r.unregister {
			delete(d.callbacks, r.handle)
			if _, ok := other.callbacks[r.handle]; !ok {
				s.poller.Remove(r.handle)
			}
			continue
		}

		d.callbacks[r.handle] = r.callback
		if err := s.poller.Add(r.handle, d.dir); err != nil {
			// The connection is gone; let the callback observe that.
			delete(d.callbacks, r.handle)
			s.post(d.dir, r.callback)
		}
	}
}

// dispatch fires and forgets the callback of every ready handle. Removing a
// handle from the poller drops both directions, so the other direction is
// restored if it is still wanted.
func (s *Service) dispatch(d, other *dispatcher, ready []Handle) {
	for _, h := range ready {
		cb, ok := d.callbacks[h]
		if !ok {
			continue
		}
		delete(d.callbacks, h)

		s.poller.Remove(h)
		if _, ok := other.callbacks[h]; ok {
			if err := s.poller.Add(h, other.dir); err != nil {
				ocb := other.callbacks[h]
				delete(other.callbacks, h)
				s.post(other.dir, ocb)
			}
		}

		s.post(d.dir, cb)
	}
}

func (s *Service) post(dir Direction, cb func()) {
	if s.metrics != nil {
		s.metrics.RecordReactorDispatch(dir.String())
	}
	s.loop.Post(cb)
}
