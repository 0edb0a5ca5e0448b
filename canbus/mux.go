package canbus

import (
	"sync"
)

// FrameFilter decides whether a frame should be delivered to a subscriber.
type FrameFilter func(Frame) bool

// Mux multiplexes frames from a Bus to any number of subscribers via filters.
//
// It runs a single background goroutine reading Receive and fanning frames out
// so that protocol clients (SDO, node guarding, LSS, scanning) never compete
// for Receive. Send is not proxied; callers keep using the Bus to Send.
type Mux struct {
	bus  Bus
	stop chan struct{}
	done chan struct{}

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64
}

type subscriber struct {
	filter FrameFilter
	ch     chan Frame
}

// NewMux creates and starts a multiplexer bound to the given Bus.
func NewMux(bus Bus) *Mux {
	m := &Mux{
		bus:  bus,
		stop: make(chan struct{}),
		done: make(chan struct{}),
		subs: make(map[uint64]*subscriber),
	}
	go m.run()
	return m
}

// Close stops fan-out and closes all subscriber channels. The reader goroutine
// exits once the underlying Bus returns from Receive; see Done.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stop:
		return nil
	default:
	}
	close(m.stop)
	m.dropAllLocked()
	return nil
}

// Done is closed when the reader goroutine has exited.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Subscribe registers a new subscriber with the provided filter and channel
// buffer. Matching frames are delivered without blocking; a full subscriber
// drops frames. cancel closes the channel and is safe to call repeatedly.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan Frame, buffer)}
	m.mu.Lock()
	select {
	case <-m.stop:
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	default:
	}
	id := m.next
	m.next++
	m.subs[id] = s
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if cur, ok := m.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return s.ch, cancel
}

func (m *Mux) dropAllLocked() {
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
}

func (m *Mux) run() {
	defer close(m.done)
	for {
		f, err := m.bus.Receive()
		if err != nil {
			m.mu.Lock()
			m.dropAllLocked()
			m.mu.Unlock()
			return
		}
		select {
		case <-m.stop:
			return
		default:
		}
		m.mu.RLock()
		for _, s := range m.subs {
			if s.filter == nil || s.filter(f) {
				select {
				case s.ch <- f:
				default:
				}
			}
		}
		m.mu.RUnlock()
	}
}
