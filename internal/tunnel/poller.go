package tunnel

import (
	"sync"
	"time"
)

// kcpPoller reports readiness of KCP connections. Every state change in a
// connection bumps the transport's generation channel, which Wait selects on,
// so no change between checking and sleeping is missed.
type kcpPoller struct {
	t *KCPTransport

	mu       sync.Mutex
	interest map[Handle]Direction

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *kcpPoller) Add(h Handle, dir Direction) error {
	if p.t.lookup(h) == nil {
		return ErrClosed
	}
	p.mu.Lock()
	p.interest[h] |= dir
	p.mu.Unlock()
	return nil
}

func (p *kcpPoller) Remove(h Handle) error {
	p.mu.Lock()
	delete(p.interest, h)
	p.mu.Unlock()
	return nil
}

func (p *kcpPoller) Wake() {
	signal(p.wake)
}

func (p *kcpPoller) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *kcpPoller) Wait(timeout time.Duration) (readable, writable []Handle, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		gen := p.t.generation()

		readable, writable = p.collect()
		if len(readable) > 0 || len(writable) > 0 {
			return readable, writable, nil
		}

		select {
		case <-gen:
		case <-p.wake:
			return nil, nil, nil
		case <-timer.C:
			return nil, nil, nil
		case <-p.closed:
			return nil, nil, ErrClosed
		}
	}
}

func (p *kcpPoller) collect() (readable, writable []Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for h, dir := range p.interest {
		c := p.t.lookup(h)
		if c == nil {
			// Closed underneath us; report it so the owner sees the error.
			if dir&Receive != 0 {
				readable = append(readable, h)
			}
			if dir&Send != 0 {
				writable = append(writable, h)
			}
			continue
		}
		if dir&Receive != 0 && c.readable() {
			readable = append(readable, h)
		}
		if dir&Send != 0 && c.writable() {
			writable = append(writable, h)
		}
	}
	return readable, writable
}
