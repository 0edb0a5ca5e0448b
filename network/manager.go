// Package network supervises a CANopen bus: it opens the transceiver, finds
// nodes, keeps them under node guarding and heartbeat monitoring, publishes
// the network state to observers and reconfigures nodes over LSS.
//
// Lifecycle operations (Connect, Scan, ConnectToNode, ChangeNodeIdentity,
// ResetNetwork and Disconnect) are serialized. Monitors run one goroutine
// each; a persistently silent node triggers an automatic reset on a goroutine
// owned by the Manager, which Disconnect waits for.
package network

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/discovery"
	"github.com/notnil/canlink/lss"
	"github.com/notnil/canlink/transceiver"
)

const (
	triggerManual = "manual"
	triggerAuto   = "auto"
	triggerLSS    = "lss"
)

// Manager owns the bus handle, the device list and every supervision
// goroutine of one CAN network.
type Manager struct {
	binding Binding
	guard   Guard
	factory DeviceFactory
	scanner Discoverer

	cfg          Config
	base         *slog.Logger
	logger       *slog.Logger
	metrics      *Metrics
	resetBackoff *backoff.ExponentialBackOff

	lifecycle sync.Mutex
	resetting atomic.Bool
	autoWG    sync.WaitGroup

	mu        sync.Mutex
	handle    *transceiver.Handle
	devices   []Device
	guarded   []canopen.NodeID
	monitors  map[canopen.NodeID]*Monitor
	lastScan  []canopen.NodeID
	closing   bool
	nextReset time.Time

	notifyMu sync.Mutex
	state    atomic.Int32
	states   *publisher
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the timings; zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records into metrics instead of a private registry.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithDiscoverer replaces the default discovery.Scanner.
func WithDiscoverer(d Discoverer) Option {
	return func(m *Manager) { m.scanner = d }
}

// New returns a disconnected Manager using the given collaborators.
func New(binding Binding, guard Guard, factory DeviceFactory, opts ...Option) *Manager {
	m := &Manager{
		binding:  binding,
		guard:    guard,
		factory:  factory,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		monitors: make(map[canopen.NodeID]*Monitor),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg = m.cfg.withDefaults()
	m.base = m.logger
	m.logger = m.base.With("component", "network")
	if m.metrics == nil {
		m.metrics = NewMetrics()
	}
	if m.scanner == nil {
		m.scanner = discovery.New(m.base)
	}
	m.resetBackoff = newResetBackoff(m.cfg.ResetBackoff)
	m.states = newPublisher(m.logger, func(n int) { m.metrics.ObserverPanics.Add(float64(n)) })
	m.state.Store(int32(Disconnected))
	return m
}

// Connect opens the transceiver at channel index channelIndex of vendor. The
// state stays Disconnected until a monitored node is seen alive.
func (m *Manager) Connect(vendor transceiver.Vendor, channelIndex int, bitrate int) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	open := m.handle != nil
	m.mu.Unlock()
	if open {
		return ErrAlreadyConnected
	}

	channel, err := transceiver.Channel(vendor, channelIndex)
	if err != nil {
		return &ConnectionError{Kind: Other, Vendor: vendor, Err: err}
	}
	h, err := m.binding.Open(vendor, channel, bitrate)
	if err != nil {
		cerr := connectionError(vendor, channel, err)
		m.logger.Error("connect failed", "vendor", vendor, "channel", channel, "kind", cerr.Kind, "error", err)
		return cerr
	}

	m.mu.Lock()
	m.handle = h
	m.closing = false
	m.lastScan = nil
	m.mu.Unlock()
	m.logger.Info("connected", "vendor", vendor, "channel", channel, "bitrate", bitrate)
	return nil
}

// Scan discovers the nodes on the bus. Each call starts from an empty result.
func (m *Manager) Scan(ctx context.Context) ([]canopen.NodeID, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.scan(ctx)
}

func (m *Manager) scan(ctx context.Context) ([]canopen.NodeID, error) {
	m.mu.Lock()
	h := m.handle
	m.lastScan = nil
	m.mu.Unlock()
	if h == nil {
		return nil, ErrNotConnected
	}

	ids, err := m.scanner.Scan(ctx, h, m.cfg.ScanSettle)
	m.mu.Lock()
	m.lastScan = append([]canopen.NodeID(nil), ids...)
	m.mu.Unlock()
	m.metrics.recordScan(len(ids))
	m.logger.Info("scan complete", "nodes", nodeList(ids))
	return ids, err
}

// ConnectToNode brings up a node from the latest scan: node guarding, the
// device object and, if withHeartbeat, a heartbeat monitor. Connecting a node
// that already has a device returns that device.
func (m *Manager) ConnectToNode(ctx context.Context, node canopen.NodeID, withHeartbeat bool) (Device, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.connectToNode(ctx, node, withHeartbeat)
}

func (m *Manager) connectToNode(ctx context.Context, node canopen.NodeID, withHeartbeat bool) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	h := m.handle
	found := slices.Contains(m.lastScan, node)
	existing := m.deviceLocked(node)
	m.mu.Unlock()
	if h == nil {
		return nil, ErrNotConnected
	}
	if !found {
		return nil, &NodeNotFoundError{Node: node}
	}
	if existing != nil {
		if withHeartbeat {
			m.startMonitor(node)
		}
		return existing, nil
	}

	if err := m.guard.Start(h, node, m.cfg.GuardPeriod); err != nil {
		return nil, &ConfigurationError{Node: node, Err: err}
	}
	dev, err := m.factory.Build(m, h, DeviceSpec{
		Node:           node,
		DictionaryPath: m.cfg.DictionaryPath,
		BootMode:       m.cfg.BootMode,
	})
	if err != nil {
		if serr := m.guard.Stop(h, node); serr != nil {
			m.logger.Warn("stop guarding after failed build", "node", node, "error", serr)
		}
		return nil, &ConfigurationError{Node: node, Err: err}
	}

	m.mu.Lock()
	if !slices.Contains(m.guarded, node) {
		m.guarded = append(m.guarded, node)
	}
	m.devices = append(m.devices, dev)
	guarded := len(m.guarded)
	m.mu.Unlock()
	m.metrics.GuardedNodes.Set(float64(guarded))

	if withHeartbeat {
		m.startMonitor(node)
	}
	m.logger.Info("node connected", "node", node, "heartbeat", withHeartbeat)
	return dev, nil
}

func (m *Manager) deviceLocked(node canopen.NodeID) Device {
	for _, d := range m.devices {
		if d.Node() == node {
			return d
		}
	}
	return nil
}

// ScanAndConnectAll scans and connects every node found. Nodes that fail to
// connect are skipped and their errors joined into the returned error.
func (m *Manager) ScanAndConnectAll(ctx context.Context, withHeartbeat bool) ([]Device, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	ids, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoNodesFound
	}
	var (
		devs []Device
		errs []error
	)
	for _, id := range ids {
		d, err := m.connectToNode(ctx, id, withHeartbeat)
		if err != nil {
			m.logger.Warn("node not connected", "node", id, "error", err)
			errs = append(errs, err)
			continue
		}
		devs = append(devs, d)
	}
	return devs, errors.Join(errs...)
}

// ChangeNodeIdentity reconfigures the node at target.Address over LSS. When
// the run commits, it waits for the node to come back and resets the network
// with rediscovery. A false result leaves devices, state and handle as they
// were.
func (m *Manager) ChangeNodeIdentity(ctx context.Context, target lss.Target) (bool, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	h := m.Handle()
	if h == nil {
		return false, ErrNotConnected
	}
	master := lss.NewMaster(h, m.cfg.LSSTimeout, m.base)
	out, err := lss.Reconfigure(ctx, master, target, m.cfg.LSSSettle)
	m.metrics.recordLSS(out.Committed, err)
	if err != nil || !out.Committed {
		return false, err
	}

	if err := sleepCtx(ctx, m.cfg.ReappearDelay); err != nil {
		return true, err
	}
	owned := m.resetting.CompareAndSwap(false, true)
	if owned {
		defer m.resetting.Store(false)
	}
	err = m.reset(ctx, triggerLSS, map[canopen.NodeID]canopen.NodeID{out.PreviousNode: out.Node})
	return true, err
}

// ResetNetwork closes and reopens the bus with the same parameters and
// re-arms guarding and monitors for every node that was guarded. It fails
// with ErrBusy while another reset runs and does nothing without a bus.
func (m *Manager) ResetNetwork(ctx context.Context) error {
	if !m.resetting.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer m.resetting.Store(false)
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.reset(ctx, triggerManual, nil)
}

// reset does the work of ResetNetwork with lifecycle held. A non-nil remap
// rescans the bus after reopening and guards the nodes found instead of the
// previous set; remap maps old ids to new ones so monitors follow a moved
// node.
func (m *Manager) reset(ctx context.Context, trigger string, remap map[canopen.NodeID]canopen.NodeID) (err error) {
	m.mu.Lock()
	h := m.handle
	if h == nil {
		m.mu.Unlock()
		return nil
	}
	guarded := append([]canopen.NodeID(nil), m.guarded...)
	monitors := m.monitors
	m.monitors = make(map[canopen.NodeID]*Monitor)
	m.mu.Unlock()

	defer func() { m.metrics.recordReset(trigger, err) }()
	m.logger.Info("resetting network", "trigger", trigger, "guarded", nodeList(guarded))

	monitored := make(map[canopen.NodeID]bool, len(monitors))
	for id := range monitors {
		monitored[id] = true
	}
	m.stopMonitors(monitors)
	for _, id := range guarded {
		if serr := m.guard.Stop(h, id); serr != nil {
			m.logger.Warn("stop guarding failed", "node", id, "error", serr)
		}
	}
	if cerr := h.Close(); cerr != nil {
		m.logger.Warn("closing bus failed", "error", cerr)
	}

	nh, oerr := m.binding.Open(h.Vendor, h.Channel, h.Bitrate)
	if oerr != nil {
		m.mu.Lock()
		m.handle = nil
		m.guarded = nil
		m.mu.Unlock()
		m.metrics.GuardedNodes.Set(0)
		m.logger.Error("reopening bus failed", "error", oerr)
		return connectionError(h.Vendor, h.Channel, oerr)
	}
	m.mu.Lock()
	m.handle = nh
	m.mu.Unlock()

	if remap != nil {
		ids, serr := m.scan(ctx)
		if serr != nil {
			m.logger.Warn("rediscovery incomplete", "error", serr)
		}
		for old, moved := range remap {
			if monitored[old] {
				monitored[moved] = true
			}
		}
		m.warnMovedDevices(remap)
		guarded = ids
	}

	var started []canopen.NodeID
	for _, id := range guarded {
		if gerr := m.guard.Start(nh, id, m.cfg.GuardPeriod); gerr != nil {
			m.logger.Error("restart guarding failed", "node", id, "error", gerr)
			continue
		}
		started = append(started, id)
	}
	m.mu.Lock()
	m.guarded = started
	m.mu.Unlock()
	m.metrics.GuardedNodes.Set(float64(len(started)))

	for _, id := range started {
		if monitored[id] {
			m.startMonitor(id)
		}
	}
	m.logger.Info("network reset", "trigger", trigger, "guarded", nodeList(started))
	return nil
}

func (m *Manager) warnMovedDevices(remap map[canopen.NodeID]canopen.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if moved, ok := remap[d.Node()]; ok && moved != d.Node() {
			m.logger.Warn("device addresses a node id that moved; reconnect it", "node", d.Node(), "now", moved)
		}
	}
}

func (m *Manager) startMonitor(node canopen.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[node]; ok {
		return
	}
	sample := func() time.Time { return m.guard.LastSeen(node) }
	m.monitors[node] = StartMonitor(node, sample, m.cfg.MonitorPeriod, m.handleEvent, m.base)
}

// stopMonitors signals every monitor first, then joins each within the join
// timeout.
func (m *Manager) stopMonitors(monitors map[canopen.NodeID]*Monitor) {
	for _, mon := range monitors {
		mon.Stop()
	}
	for id, mon := range monitors {
		if !mon.Join(m.cfg.JoinTimeout) {
			m.logger.Error("heartbeat monitor did not stop in time", "node", id, "timeout", m.cfg.JoinTimeout)
		}
	}
}

func (m *Manager) handleEvent(node canopen.NodeID, ev Event) {
	m.metrics.MonitorEvents.WithLabelValues(ev.String()).Inc()
	switch ev {
	case EventAlive:
		m.mu.Lock()
		m.resetBackoff.Reset()
		m.nextReset = time.Time{}
		m.mu.Unlock()
		m.setState(Connected)
	case EventLost:
		m.setState(Disconnected)
	case EventSilent:
		m.scheduleAutoReset(node)
	}
}

// scheduleAutoReset starts a reset on a Manager goroutine unless one is
// running, the Manager is closing, or the backoff window is still open.
func (m *Manager) scheduleAutoReset(node canopen.NodeID) {
	now := time.Now()
	m.mu.Lock()
	if m.closing || m.handle == nil || m.resetting.Load() || now.Before(m.nextReset) {
		m.mu.Unlock()
		return
	}
	m.nextReset = now.Add(m.resetBackoff.NextBackOff())
	m.autoWG.Add(1)
	m.mu.Unlock()

	m.logger.Warn("node still silent, resetting network", "node", node)
	go func() {
		defer m.autoWG.Done()
		if !m.resetting.CompareAndSwap(false, true) {
			return
		}
		defer m.resetting.Store(false)
		m.lifecycle.Lock()
		defer m.lifecycle.Unlock()
		if err := m.reset(context.Background(), triggerAuto, nil); err != nil {
			m.logger.Error("automatic reset failed", "error", err)
		}
	}()
}

// setState publishes s if it differs from the current state. Observers are
// notified asynchronously, in the order states were published.
func (m *Manager) setState(s State) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.metrics.recordState(s)
	m.logger.Info("network state changed", "state", s)
	m.states.publish(s)
}

// NetStateSubscribe registers cb for state changes.
func (m *Manager) NetStateSubscribe(cb StateObserver) SubscriptionID {
	return m.states.add(cb)
}

// NetStateUnsubscribe removes an observer. It reports whether id was
// registered.
func (m *Manager) NetStateUnsubscribe(id SubscriptionID) bool {
	return m.states.remove(id)
}

// Disconnect stops every monitor, stops guarding, closes every device and
// closes the bus. It is idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.autoWG.Wait()

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	h := m.handle
	monitors := m.monitors
	guarded := m.guarded
	devices := m.devices
	m.handle = nil
	m.monitors = make(map[canopen.NodeID]*Monitor)
	m.guarded = nil
	m.devices = nil
	m.lastScan = nil
	m.mu.Unlock()

	m.stopMonitors(monitors)
	var errs []error
	for _, id := range guarded {
		if err := m.guard.Stop(h, id); err != nil {
			m.logger.Warn("stop guarding failed", "node", id, "error", err)
		}
	}
	for _, d := range devices {
		if err := d.Close(); err != nil {
			m.logger.Warn("closing device failed", "node", d.Node(), "error", err)
			errs = append(errs, err)
		}
	}
	if h != nil {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
		m.logger.Info("disconnected", "vendor", h.Vendor, "channel", h.Channel)
	}
	m.metrics.GuardedNodes.Set(0)
	m.setState(Disconnected)
	return errors.Join(errs...)
}

// Devices returns the connected devices in connection order.
func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Device(nil), m.devices...)
}

// State returns the published network state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Handle returns the open bus handle or nil.
func (m *Manager) Handle() *transceiver.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Bitrate returns the bitrate of the open bus, or 0.
func (m *Manager) Bitrate() int {
	if h := m.Handle(); h != nil {
		return h.Bitrate
	}
	return 0
}

// LastScan returns the result of the latest scan.
func (m *Manager) LastScan() []canopen.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]canopen.NodeID(nil), m.lastScan...)
}

// Guarded returns the nodes under node guarding.
func (m *Manager) Guarded() []canopen.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]canopen.NodeID(nil), m.guarded...)
}

// Metrics returns the collectors the Manager records into.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// nodeList renders ids as numbers for log handlers that would otherwise
// treat a []canopen.NodeID as bytes.
func nodeList(ids []canopen.NodeID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
