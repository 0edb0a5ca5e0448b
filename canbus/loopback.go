package canbus

import (
	"sync"
)

// loopbackQueue is the per-endpoint receive queue depth.
const loopbackQueue = 256

// LoopbackBus is an in-memory CAN bus for tests and simulations.
// Multiple endpoints opened from the same bus can exchange frames; a frame is
// delivered to every endpoint except its sender, like on a real wire.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	fault     error
	endpoints map[*loopEndpoint]struct{}
}

// NewLoopbackBus creates a new loopback bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*loopEndpoint]struct{})}
}

// Open creates a new endpoint attached to the bus.
func (b *LoopbackBus) Open() Bus {
	ep := &loopEndpoint{
		bus:    b,
		ch:     make(chan Frame, loopbackQueue),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ep.dead = true
		close(ep.closed)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	return ep
}

// InjectFault makes every subsequent Send fail with err until cleared with a
// nil error. It simulates a controller that went bus-off.
func (b *LoopbackBus) InjectFault(err error) {
	b.mu.Lock()
	b.fault = err
	b.mu.Unlock()
}

// Endpoints reports how many endpoints are currently attached.
func (b *LoopbackBus) Endpoints() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

// Close closes the bus and detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeNoLock()
	}
	b.endpoints = nil
	return nil
}

type loopEndpoint struct {
	bus    *LoopbackBus
	ch     chan Frame
	mu     sync.Mutex
	dead   bool
	closed chan struct{}
}

// Send broadcasts the frame to all other endpoints on the same bus.
func (e *loopEndpoint) Send(frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	dead := e.dead
	e.mu.Unlock()
	if dead {
		return ErrClosed
	}
	// Snapshot endpoints under the bus lock; deliver without holding it.
	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	if e.bus.fault != nil {
		err := e.bus.fault
		e.bus.mu.RUnlock()
		return err
	}
	targets := make([]*loopEndpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	for _, t := range targets {
		t.deliver(frame)
	}
	return nil
}

// deliver queues frame, dropping it when the queue is full like a controller
// receive overrun.
func (e *loopEndpoint) deliver(frame Frame) {
	select {
	case <-e.closed:
	case e.ch <- frame:
	default:
	}
}

// Receive waits for the next frame.
func (e *loopEndpoint) Receive() (Frame, error) {
	select {
	case f := <-e.ch:
		return f, nil
	case <-e.closed:
		return Frame{}, ErrClosed
	}
}

// ResetReceiveBuffer drops every frame queued for this endpoint.
func (e *loopEndpoint) ResetReceiveBuffer() error {
	for {
		select {
		case <-e.closed:
			return ErrClosed
		case <-e.ch:
		default:
			return nil
		}
	}
}

// Close detaches the endpoint from the bus and unblocks pending receivers.
func (e *loopEndpoint) Close() error {
	e.bus.mu.Lock()
	e.closeNoLock()
	e.bus.mu.Unlock()
	return nil
}

func (e *loopEndpoint) closeNoLock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.dead = true
	close(e.closed)
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
}
