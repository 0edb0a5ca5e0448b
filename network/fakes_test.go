package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/notnil/canlink/canbus"
	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/transceiver"
)

// fakeBinding opens loopback endpoints and can fail or stall opens.
type fakeBinding struct {
	mu      sync.Mutex
	buses   map[string]*canbus.LoopbackBus
	opens   int
	failErr error
	gate    chan struct{} // when set, opens after the first block until closed
	entered chan struct{}
	trail   *trail // when set, bus closes are recorded
}

func newFakeBinding() *fakeBinding {
	return &fakeBinding{buses: make(map[string]*canbus.LoopbackBus)}
}

func (b *fakeBinding) Open(vendor transceiver.Vendor, channel string, bitrate int) (*transceiver.Handle, error) {
	b.mu.Lock()
	b.opens++
	n := b.opens
	err := b.failErr
	gate, entered, tr := b.gate, b.entered, b.trail
	lb, ok := b.buses[channel]
	if !ok {
		lb = canbus.NewLoopbackBus()
		b.buses[channel] = lb
	}
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if n > 1 && gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}
	if tr != nil {
		tr.add("open")
	}
	var bus canbus.Bus = lb.Open()
	if tr != nil {
		bus = &recordingBus{Bus: bus, trail: tr}
	}
	return transceiver.NewHandle(vendor, channel, bitrate, bus), nil
}

// recordingBus notes its Close in a trail.
type recordingBus struct {
	canbus.Bus
	trail *trail
	once  sync.Once
}

func (b *recordingBus) Close() error {
	b.once.Do(func() { b.trail.add("close") })
	return b.Bus.Close()
}

// trail is an ordered record of events from several goroutines.
type trail struct {
	mu     sync.Mutex
	events []string
}

func (t *trail) add(e string) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

func (t *trail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (b *fakeBinding) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// fakeGuard records starts and stops and serves settable timestamps.
type fakeGuard struct {
	mu       sync.Mutex
	starts   map[canopen.NodeID]int
	stops    map[canopen.NodeID]int
	active   map[canopen.NodeID]bool
	lastSeen map[canopen.NodeID]time.Time
	startErr error
	wedge    chan struct{} // when set, LastSeen blocks until closed
	trail    *trail        // when set, samples are recorded
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{
		starts:   make(map[canopen.NodeID]int),
		stops:    make(map[canopen.NodeID]int),
		active:   make(map[canopen.NodeID]bool),
		lastSeen: make(map[canopen.NodeID]time.Time),
	}
}

func (g *fakeGuard) Start(h *transceiver.Handle, node canopen.NodeID, period time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startErr != nil {
		return g.startErr
	}
	g.starts[node]++
	g.active[node] = true
	return nil
}

func (g *fakeGuard) Stop(h *transceiver.Handle, node canopen.NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops[node]++
	delete(g.active, node)
	return nil
}

func (g *fakeGuard) LastSeen(node canopen.NodeID) time.Time {
	g.mu.Lock()
	wedge, tr := g.wedge, g.trail
	g.mu.Unlock()
	if tr != nil {
		tr.add("sample")
	}
	if wedge != nil {
		<-wedge
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSeen[node]
}

func (g *fakeGuard) touch(node canopen.NodeID) {
	g.mu.Lock()
	g.lastSeen[node] = time.Now()
	g.mu.Unlock()
}

func (g *fakeGuard) counts(node canopen.NodeID) (starts, stops int, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.starts[node], g.stops[node], g.active[node]
}

// fakeScanner returns a fixed result.
type fakeScanner struct {
	mu    sync.Mutex
	ids   []canopen.NodeID
	calls int
}

func (s *fakeScanner) Scan(ctx context.Context, h *transceiver.Handle, settle time.Duration) ([]canopen.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]canopen.NodeID(nil), s.ids...), nil
}

func (s *fakeScanner) set(ids ...canopen.NodeID) {
	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()
}

type fakeDevice struct {
	node   canopen.NodeID
	closed atomic.Int32
}

func (d *fakeDevice) Node() canopen.NodeID { return d.node }
func (d *fakeDevice) Close() error         { d.closed.Add(1); return nil }

type mockFactory struct{ mock.Mock }

func (f *mockFactory) Build(net Network, h *transceiver.Handle, spec DeviceSpec) (Device, error) {
	ret := f.Called(net, h, spec)
	var d Device
	if ret.Get(0) != nil {
		d = ret.Get(0).(Device)
	}
	return d, ret.Error(1)
}

// simpleFactory builds a fakeDevice for every node.
type simpleFactory struct {
	mu    sync.Mutex
	built []*fakeDevice
}

func (f *simpleFactory) Build(net Network, h *transceiver.Handle, spec DeviceSpec) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &fakeDevice{node: spec.Node}
	f.built = append(f.built, d)
	return d, nil
}

// stateLog records observed states, starting with the state at subscription.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) observe(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *stateLog) last() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return Disconnected
	}
	return l.states[len(l.states)-1]
}

// fastConfig keeps tests quick and disables back-to-back automatic resets.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MonitorPeriod = 20 * time.Millisecond
	cfg.JoinTimeout = time.Second
	cfg.ScanSettle = time.Millisecond
	cfg.LSSTimeout = 30 * time.Millisecond
	cfg.LSSSettle = 0
	cfg.ReappearDelay = 0
	cfg.ResetBackoff = BackoffConfig{Initial: time.Minute, Max: time.Minute}
	return cfg
}
