//go:build linux

package transceiver

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/notnil/canlink/canbus"
)

// dialSocketCAN opens a SocketCAN interface. A down interface is configured
// to bitrate and brought up first, which needs CAP_NET_ADMIN.
func dialSocketCAN(channel string, bitrate int) (canbus.Bus, error) {
	up, err := canbus.IsInterfaceUp(channel)
	if err != nil {
		return nil, classifySocketCAN(err)
	}
	if !up && bitrate > 0 {
		if err := canbus.SetInterfaceBitrate(channel, bitrate); err != nil {
			return nil, classifySocketCAN(err)
		}
	}
	bus, err := canbus.DialSocketCAN(channel)
	if err != nil {
		return nil, classifySocketCAN(err)
	}
	return bus, nil
}

// classifySocketCAN maps kernel errors onto the binding sentinels.
func classifySocketCAN(err error) error {
	var opErr *net.OpError
	switch {
	case errors.Is(err, syscall.EAFNOSUPPORT), errors.Is(err, syscall.EPROTONOSUPPORT):
		return fmt.Errorf("%w: %v", ErrDriverMissing, err)
	case errors.As(err, &opErr) && opErr.Op == "route",
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENXIO),
		errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.ENETDOWN):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
