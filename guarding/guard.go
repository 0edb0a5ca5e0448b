// Package guarding polls CANopen nodes with node guarding requests and keeps
// the time each node was last heard from.
//
// Any error control data frame counts as proof of life: guarding responses,
// heartbeats and boot-up messages alike. A node that only produces heartbeats
// therefore stays alive even if it ignores the remote requests.
package guarding

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notnil/canlink/canbus"
	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/transceiver"
)

// ErrNotGuarded is returned by Stop for a node that is not being polled.
var ErrNotGuarded = errors.New("guarding: node not guarded")

// DefaultPeriod is used when Start is given a non-positive period.
const DefaultPeriod = 100 * time.Millisecond

// Guard runs one polling goroutine per node.
type Guard struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	pollers  map[canopen.NodeID]*poller
	lastSeen map[canopen.NodeID]time.Time
	states   map[canopen.NodeID]canopen.NMTState
}

type poller struct {
	handle *transceiver.Handle
	stop   chan struct{}
	done   chan struct{}
}

// New returns a Guard logging to logger, or slog.Default when nil.
func New(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		logger:   logger.With("component", "guarding"),
		now:      time.Now,
		pollers:  make(map[canopen.NodeID]*poller),
		lastSeen: make(map[canopen.NodeID]time.Time),
		states:   make(map[canopen.NodeID]canopen.NMTState),
	}
}

// Start begins polling node on h every period. Starting a node that is
// already guarded restarts it on the new handle. The last-seen time is kept
// across restarts.
func (g *Guard) Start(h *transceiver.Handle, node canopen.NodeID, period time.Duration) error {
	if h == nil {
		return errors.New("guarding: nil handle")
	}
	if err := node.Validate(); err != nil {
		return err
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	req, err := canopen.GuardRequest(node)
	if err != nil {
		return err
	}

	g.mu.Lock()
	old := g.pollers[node]
	delete(g.pollers, node)
	g.mu.Unlock()
	if old != nil {
		old.halt()
	}

	msgs, cancel := canopen.SubscribeHeartbeats(h.Mux, &node, 8)
	p := &poller{handle: h, stop: make(chan struct{}), done: make(chan struct{})}
	g.mu.Lock()
	racing := g.pollers[node]
	g.pollers[node] = p
	g.mu.Unlock()
	if racing != nil {
		racing.halt()
	}

	go g.run(p, node, req, period, msgs, cancel)
	g.logger.Debug("guarding started", "node", node, "period", period)
	return nil
}

func (g *Guard) run(p *poller, node canopen.NodeID, req canbus.Frame, period time.Duration, msgs <-chan canopen.Heartbeat, cancel func()) {
	defer close(p.done)
	defer cancel()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var (
		haveToggle bool
		lastToggle bool
	)
	send := func() {
		if err := p.handle.Bus.Send(req); err != nil {
			g.logger.Debug("guard request failed", "node", node, "error", err)
		}
	}
	send()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			send()
		case hb, ok := <-msgs:
			if !ok {
				return
			}
			switch {
			case hb.State == canopen.StateBootup:
				haveToggle = false
			case haveToggle && hb.Toggle == lastToggle:
				g.logger.Debug("guarding toggle did not alternate", "node", node, "toggle", hb.Toggle)
			}
			if hb.State != canopen.StateBootup {
				haveToggle, lastToggle = true, hb.Toggle
			}
			g.mu.Lock()
			g.lastSeen[node] = g.now()
			g.states[node] = hb.State
			g.mu.Unlock()
		}
	}
}

func (p *poller) halt() {
	close(p.stop)
	<-p.done
}

// Stop ends polling of node. The handle must be the one the node was started
// on; a mismatch is reported but the poller is stopped anyway.
func (g *Guard) Stop(h *transceiver.Handle, node canopen.NodeID) error {
	g.mu.Lock()
	p, ok := g.pollers[node]
	delete(g.pollers, node)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotGuarded, node)
	}
	p.halt()
	g.logger.Debug("guarding stopped", "node", node)
	if h != nil && p.handle != h {
		return fmt.Errorf("guarding: node %d was started on another handle", node)
	}
	return nil
}

// LastSeen returns when node last produced an error control frame, or the
// zero time if it never did.
func (g *Guard) LastSeen(node canopen.NodeID) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSeen[node]
}

// State returns the NMT state last reported by node.
func (g *Guard) State(node canopen.NodeID) (canopen.NMTState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[node]
	return s, ok
}

// Guarded lists the nodes currently being polled.
func (g *Guard) Guarded() []canopen.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]canopen.NodeID, 0, len(g.pollers))
	for n := range g.pollers {
		out = append(out, n)
	}
	return out
}
