package network

import (
	"context"
	"time"

	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/transceiver"
)

// Binding opens transceivers.
type Binding interface {
	Open(vendor transceiver.Vendor, channel string, bitrate int) (*transceiver.Handle, error)
}

// Guard keeps nodes under liveness polling and records when each was last
// heard from.
type Guard interface {
	Start(h *transceiver.Handle, node canopen.NodeID, period time.Duration) error
	Stop(h *transceiver.Handle, node canopen.NodeID) error
	LastSeen(node canopen.NodeID) time.Time
}

// Discoverer scans a bus for nodes.
type Discoverer interface {
	Scan(ctx context.Context, h *transceiver.Handle, settle time.Duration) ([]canopen.NodeID, error)
}

// Network is the view of the Manager a Device keeps. The handle changes on
// every reset, so devices fetch it per operation.
type Network interface {
	Handle() *transceiver.Handle
	State() State
}

// Device is the application object built for a node.
type Device interface {
	Node() canopen.NodeID
	Close() error
}

// DeviceSpec carries what a DeviceFactory needs to build a Device.
type DeviceSpec struct {
	Node           canopen.NodeID
	DictionaryPath string
	BootMode       bool
}

// DeviceFactory builds Devices for discovered nodes.
type DeviceFactory interface {
	Build(net Network, h *transceiver.Handle, spec DeviceSpec) (Device, error)
}
