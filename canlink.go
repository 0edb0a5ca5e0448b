package canlink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notnil/canlink/config"
	"github.com/notnil/canlink/device"
	"github.com/notnil/canlink/guarding"
	"github.com/notnil/canlink/network"
	"github.com/notnil/canlink/transceiver"
)

// Network is a Manager wired to the transceiver binding, node guarding and
// servo factory described by a Config.
type Network struct {
	*network.Manager

	cfg     config.Config
	vendor  transceiver.Vendor
	binding *transceiver.Binding
	guard   *guarding.Guard
}

type options struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	drivers  map[transceiver.Vendor]transceiver.Driver
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers the network metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithDriver installs a transceiver driver for vendor.
func WithDriver(v transceiver.Vendor, d transceiver.Driver) Option {
	return func(o *options) {
		if o.drivers == nil {
			o.drivers = make(map[transceiver.Vendor]transceiver.Driver)
		}
		o.drivers[v] = d
	}
}

// New validates cfg and builds a disconnected Network.
func New(cfg config.Config, opts ...Option) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vendor, err := cfg.TransceiverVendor()
	if err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	bopts := []transceiver.Option{
		transceiver.WithLogger(o.logger),
		transceiver.WithFrameTrace(cfg.TraceFrames),
	}
	for v, d := range o.drivers {
		bopts = append(bopts, transceiver.WithDriver(v, d))
	}
	binding := transceiver.NewBinding(bopts...)
	guard := guarding.New(o.logger)
	factory := &device.Factory{Logger: o.logger, SDOTimeout: cfg.LSSTimeout}

	mgr := network.New(binding, guard, factory,
		network.WithConfig(cfg.Network()),
		network.WithLogger(o.logger),
		network.WithMetrics(network.NewMetricsWith(o.registry)),
	)
	return &Network{Manager: mgr, cfg: cfg, vendor: vendor, binding: binding, guard: guard}, nil
}

// Config returns the configuration the network was built from.
func (n *Network) Config() config.Config { return n.cfg }

// Binding returns the transceiver binding, whose virtual network carries
// simulated buses.
func (n *Network) Binding() *transceiver.Binding { return n.binding }

// Guard returns the node guarding service.
func (n *Network) Guard() *guarding.Guard { return n.guard }

// Open connects to the configured vendor, channel and bitrate.
func (n *Network) Open() error {
	return n.Connect(n.vendor, n.cfg.Channel, n.cfg.Bitrate)
}

// Start opens the bus and connects every node found, with heartbeat
// monitoring when the configuration asks for it.
func (n *Network) Start(ctx context.Context) ([]network.Device, error) {
	if err := n.Open(); err != nil {
		return nil, err
	}
	devs, err := n.ScanAndConnectAll(ctx, n.cfg.Heartbeat)
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("canlink: start: %w", err)
	}
	return devs, err
}
