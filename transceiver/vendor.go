package transceiver

import (
	"fmt"
	"strings"
)

// Vendor identifies a transceiver family.
type Vendor string

const (
	Kvaser    Vendor = "kvaser"
	PCAN      Vendor = "pcan"
	IXXAT     Vendor = "ixxat"
	SocketCAN Vendor = "socketcan"
	Virtual   Vendor = "virtual"
)

// channels maps each vendor to its channel identifiers, addressed by index.
// The table is fixed; callers say "vendor + index" instead of vendor-specific
// channel strings.
var channels = map[Vendor][]string{
	Kvaser:    {"0", "1"},
	PCAN:      {"PCAN_USBBUS1", "PCAN_USBBUS2"},
	IXXAT:     {"0", "1"},
	SocketCAN: {"can0", "can1"},
	Virtual:   {"vcan0", "vcan1"},
}

// Vendors lists the known vendors in a stable order.
func Vendors() []Vendor {
	return []Vendor{Kvaser, PCAN, IXXAT, SocketCAN, Virtual}
}

// Channel returns the channel identifier for vendor at index.
func Channel(v Vendor, index int) (string, error) {
	list, ok := channels[v]
	if !ok {
		return "", fmt.Errorf("transceiver: unknown vendor %q", v)
	}
	if index < 0 || index >= len(list) {
		return "", fmt.Errorf("transceiver: %s has no channel %d (have %d)", v, index, len(list))
	}
	return list[index], nil
}

// ParseVendor resolves a case-insensitive vendor name.
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := channels[v]; !ok {
		return "", fmt.Errorf("transceiver: unknown vendor %q", s)
	}
	return v, nil
}
