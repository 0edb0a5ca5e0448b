package network

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notnil/canlink/canopen"
)

// DefaultMonitorPeriod is the sampling cadence of a Monitor.
const DefaultMonitorPeriod = 1500 * time.Millisecond

// Event is a liveness transition reported by a Monitor.
type Event int

const (
	// EventAlive is emitted when the timestamp advances after the node was
	// not known to be alive.
	EventAlive Event = iota
	// EventLost is emitted on the first sample without an advance.
	EventLost
	// EventSilent is emitted on every further sample without an advance.
	EventSilent
)

func (e Event) String() string {
	switch e {
	case EventAlive:
		return "alive"
	case EventLost:
		return "lost"
	case EventSilent:
		return "silent"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Sampler returns the last time a node was heard from.
type Sampler func() time.Time

// Monitor samples one node's last-seen time at a fixed cadence and reports
// transitions. It holds only the sampler and the event callback.
type Monitor struct {
	node   canopen.NodeID
	sample Sampler
	period time.Duration
	emit   func(canopen.NodeID, Event)
	logger *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartMonitor starts a Monitor goroutine. The baseline is sampled
// immediately, so the first event comes one period later.
func StartMonitor(node canopen.NodeID, sample Sampler, period time.Duration, emit func(canopen.NodeID, Event), logger *slog.Logger) *Monitor {
	if period <= 0 {
		period = DefaultMonitorPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		node:   node,
		sample: sample,
		period: period,
		emit:   emit,
		logger: logger.With("component", "monitor", "node", node),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Node returns the supervised node id.
func (m *Monitor) Node() canopen.NodeID { return m.node }

// Stop asks the goroutine to exit and returns immediately.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Join waits up to timeout for the goroutine to exit and reports whether it
// did.
func (m *Monitor) Join(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.done:
		return true
	case <-t.C:
		return false
	}
}

// safeSample turns a panicking sampler into a failed sample.
func (m *Monitor) safeSample() (ts time.Time, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("sampler panicked", "panic", r)
			ok = false
		}
	}()
	return m.sample(), true
}

func (m *Monitor) run() {
	defer close(m.done)

	prev, _ := m.safeSample()
	var alive, lost bool

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		cur, ok := m.safeSample()
		if ok && !cur.Equal(prev) {
			prev = cur
			lost = false
			if !alive {
				alive = true
				m.logger.Debug("node alive")
				m.emit(m.node, EventAlive)
			}
			continue
		}
		alive = false
		if !lost {
			lost = true
			m.logger.Warn("node silent")
			m.emit(m.node, EventLost)
			continue
		}
		m.emit(m.node, EventSilent)
	}
}
