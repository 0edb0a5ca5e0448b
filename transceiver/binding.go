package transceiver

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/notnil/canlink/canbus"
)

// Driver opens a raw bus on a vendor channel. Drivers normalize their
// failures into ErrUnavailable or ErrDriverMissing where they can tell.
type Driver func(channel string, bitrate int) (canbus.Bus, error)

// Binding opens handles through per-vendor drivers and keeps each
// vendor/channel pair opened at most once.
type Binding struct {
	logger  *slog.Logger
	trace   bool
	virtual *VirtualNetwork

	mu      sync.Mutex
	drivers map[Vendor]Driver
	inUse   map[string]bool
}

// Option configures a Binding.
type Option func(*Binding)

// WithLogger sets the logger used for driver errors and frame tracing.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binding) { b.logger = l }
}

// WithFrameTrace wraps every opened bus in a canbus.LoggedBus at debug level.
func WithFrameTrace(on bool) Option {
	return func(b *Binding) { b.trace = on }
}

// WithDriver overrides the driver for a vendor.
func WithDriver(v Vendor, d Driver) Option {
	return func(b *Binding) { b.drivers[v] = d }
}

// NewBinding returns a Binding with SocketCAN and virtual drivers installed.
// Kvaser, PCAN and IXXAT report ErrDriverMissing unless a driver is supplied
// with WithDriver.
func NewBinding(opts ...Option) *Binding {
	b := &Binding{
		logger:  slog.Default(),
		virtual: NewVirtualNetwork(),
		drivers: make(map[Vendor]Driver),
		inUse:   make(map[string]bool),
	}
	b.drivers[SocketCAN] = dialSocketCAN
	b.drivers[Virtual] = b.virtual.Driver()
	for _, v := range []Vendor{Kvaser, PCAN, IXXAT} {
		b.drivers[v] = missingDriver(v)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Virtual returns the in-memory network behind the Virtual vendor.
func (b *Binding) Virtual() *VirtualNetwork { return b.virtual }

// Open opens vendor/channel at bitrate.
func (b *Binding) Open(vendor Vendor, channel string, bitrate int) (*Handle, error) {
	key := string(vendor) + "/" + channel
	b.mu.Lock()
	driver, ok := b.drivers[vendor]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("transceiver: unknown vendor %q", vendor)
	}
	if b.inUse[key] {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already open", ErrUnavailable, key)
	}
	b.inUse[key] = true
	b.mu.Unlock()

	bus, err := driver(channel, bitrate)
	if err != nil {
		b.release(key)
		b.logger.Error("transceiver open failed", "vendor", vendor, "channel", channel, "error", err)
		return nil, err
	}
	if b.trace {
		bus = canbus.NewLoggedBus(bus, b.logger, slog.LevelDebug, canbus.LogAll, nil)
	}
	h := NewHandle(vendor, channel, bitrate, bus)
	h.onClose = func() { b.release(key) }
	b.logger.Info("transceiver opened", "vendor", vendor, "channel", channel, "bitrate", bitrate)
	return h, nil
}

func (b *Binding) release(key string) {
	b.mu.Lock()
	delete(b.inUse, key)
	b.mu.Unlock()
}

func missingDriver(v Vendor) Driver {
	return func(string, int) (canbus.Bus, error) {
		return nil, fmt.Errorf("%w: no %s driver in this build", ErrDriverMissing, v)
	}
}

// VirtualNetwork is a set of named loopback buses. Simulated nodes attach to
// Bus(channel) directly; masters open them through the Virtual driver.
type VirtualNetwork struct {
	mu        sync.Mutex
	buses     map[string]*canbus.LoopbackBus
	unplugged map[string]bool
}

// NewVirtualNetwork creates an empty virtual network.
func NewVirtualNetwork() *VirtualNetwork {
	return &VirtualNetwork{
		buses:     make(map[string]*canbus.LoopbackBus),
		unplugged: make(map[string]bool),
	}
}

// Bus returns the loopback bus for channel, creating it on first use.
func (n *VirtualNetwork) Bus(channel string) *canbus.LoopbackBus {
	n.mu.Lock()
	defer n.mu.Unlock()
	lb, ok := n.buses[channel]
	if !ok {
		lb = canbus.NewLoopbackBus()
		n.buses[channel] = lb
	}
	return lb
}

// Unplug makes opens of channel fail with ErrUnavailable until Plug.
func (n *VirtualNetwork) Unplug(channel string) {
	n.mu.Lock()
	n.unplugged[channel] = true
	n.mu.Unlock()
}

// Plug reverses Unplug.
func (n *VirtualNetwork) Plug(channel string) {
	n.mu.Lock()
	delete(n.unplugged, channel)
	n.mu.Unlock()
}

// Driver returns a Driver opening endpoints on the virtual buses. The bitrate
// is accepted as-is.
func (n *VirtualNetwork) Driver() Driver {
	return func(channel string, _ int) (canbus.Bus, error) {
		n.mu.Lock()
		gone := n.unplugged[channel]
		n.mu.Unlock()
		if gone {
			return nil, fmt.Errorf("%w: virtual channel %s unplugged", ErrUnavailable, channel)
		}
		return n.Bus(channel).Open(), nil
	}
}
