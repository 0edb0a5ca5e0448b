package network

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// State is the published liveness of the network.
type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateObserver receives every state change. Observers run one at a time on
// a delivery goroutine, in publication order, and may call back into the
// Manager. A blocked observer delays later notifications but never the
// Manager itself.
type StateObserver func(State)

// SubscriptionID identifies a registered observer.
type SubscriptionID uuid.UUID

func (id SubscriptionID) String() string { return uuid.UUID(id).String() }

type observerEntry struct {
	id SubscriptionID
	cb StateObserver
}

// observers is an insertion-ordered observer list.
type observers struct {
	mu   sync.Mutex
	list []observerEntry
}

func (o *observers) add(cb StateObserver) SubscriptionID {
	id := SubscriptionID(uuid.New())
	o.mu.Lock()
	o.list = append(o.list, observerEntry{id: id, cb: cb})
	o.mu.Unlock()
	return id
}

func (o *observers) remove(id SubscriptionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.list {
		if e.id == id {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return true
		}
	}
	return false
}

func (o *observers) snapshot() []observerEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observerEntry(nil), o.list...)
}

type publication struct {
	state   State
	entries []observerEntry
}

// publisher delivers published states to the observers registered at
// publication time. A delivery goroutine runs while the queue is non-empty.
type publisher struct {
	observers
	logger  *slog.Logger
	onPanic func(int)

	mu      sync.Mutex
	idle    *sync.Cond
	queue   []publication
	running bool
}

func newPublisher(logger *slog.Logger, onPanic func(int)) *publisher {
	p := &publisher{logger: logger, onPanic: onPanic}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// publish queues s and returns without waiting for delivery.
func (p *publisher) publish(s State) {
	entries := p.snapshot()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, publication{state: s, entries: entries})
	if !p.running {
		p.running = true
		go p.deliver()
	}
}

func (p *publisher) deliver() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.running = false
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		if n := notify(next.entries, next.state, p.logger); n > 0 && p.onPanic != nil {
			p.onPanic(n)
		}
	}
}

// wait blocks until every queued state has been delivered.
func (p *publisher) wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running {
		p.idle.Wait()
	}
}

// notify calls every observer in order. A panicking observer is logged and
// skipped. It returns the number of observers that panicked.
func notify(entries []observerEntry, s State, logger *slog.Logger) (panics int) {
	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					panics++
					logger.Error("state observer panicked", "subscription", e.id, "state", s, "panic", r)
				}
			}()
			e.cb(s)
		}()
	}
	return panics
}
