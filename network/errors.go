package network

import (
	"errors"
	"fmt"

	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/transceiver"
)

var (
	// ErrNoNodesFound is returned by ScanAndConnectAll when nothing answered.
	ErrNoNodesFound = errors.New("network: no nodes found")

	// ErrBusy is returned by ResetNetwork while another reset is running.
	ErrBusy = errors.New("network: reset already in progress")

	// ErrNotConnected is returned by operations that need an open bus.
	ErrNotConnected = errors.New("network: not connected")

	// ErrAlreadyConnected is returned by Connect when a bus is already open.
	ErrAlreadyConnected = errors.New("network: already connected")
)

// ConnectionErrorKind tells callers which remedy applies to a failed connect.
type ConnectionErrorKind int

const (
	// Other covers failures that are neither of the kinds below.
	Other ConnectionErrorKind = iota
	// TransceiverUnavailable means the adapter is absent, unplugged or in
	// use by another process.
	TransceiverUnavailable
	// DriverMissing means the vendor driver is not installed.
	DriverMissing
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case TransceiverUnavailable:
		return "transceiver unavailable"
	case DriverMissing:
		return "driver missing"
	default:
		return "other"
	}
}

// ConnectionError reports a bus that could not be opened.
type ConnectionError struct {
	Kind    ConnectionErrorKind
	Vendor  transceiver.Vendor
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("network: connect %s/%s: %s: %v", e.Vendor, e.Channel, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func connectionError(vendor transceiver.Vendor, channel string, err error) *ConnectionError {
	kind := Other
	switch {
	case errors.Is(err, transceiver.ErrUnavailable):
		kind = TransceiverUnavailable
	case errors.Is(err, transceiver.ErrDriverMissing):
		kind = DriverMissing
	}
	return &ConnectionError{Kind: kind, Vendor: vendor, Channel: channel, Err: err}
}

// NodeNotFoundError is returned by ConnectToNode for an id that the latest
// scan did not report.
type NodeNotFoundError struct {
	Node canopen.NodeID
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("network: node %d not found in last scan", e.Node)
}

// ConfigurationError wraps a failure to bring up a discovered node.
type ConfigurationError struct {
	Node canopen.NodeID
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("network: configure node %d: %v", e.Node, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
