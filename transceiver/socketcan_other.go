//go:build !linux

package transceiver

import (
	"fmt"

	"github.com/notnil/canlink/canbus"
)

func dialSocketCAN(string, int) (canbus.Bus, error) {
	return nil, fmt.Errorf("%w: socketcan is linux only", ErrDriverMissing)
}
