package transceiver

import (
	"errors"
	"sync"
	"time"

	"github.com/notnil/canlink/canbus"
)

var (
	// ErrUnavailable means the transceiver is absent, unplugged or already
	// opened by someone else.
	ErrUnavailable = errors.New("transceiver: not found or busy")

	// ErrDriverMissing means the vendor driver or kernel module is not
	// installed.
	ErrDriverMissing = errors.New("transceiver: driver not installed")
)

// muxExitTimeout bounds how long Close waits for the reader goroutine.
const muxExitTimeout = time.Second

// Handle is an open transceiver: the bus, the frame mux reading from it and
// the parameters it was opened with.
type Handle struct {
	Vendor  Vendor
	Channel string
	Bitrate int

	Bus canbus.Bus
	Mux *canbus.Mux

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

// NewHandle wraps an open bus and starts its mux.
func NewHandle(vendor Vendor, channel string, bitrate int, bus canbus.Bus) *Handle {
	return &Handle{
		Vendor:  vendor,
		Channel: channel,
		Bitrate: bitrate,
		Bus:     bus,
		Mux:     canbus.NewMux(bus),
	}
}

// ResetReceiveBuffer discards frames queued on the bus.
func (h *Handle) ResetReceiveBuffer() error {
	return h.Bus.ResetReceiveBuffer()
}

// Close stops the mux and closes the bus. It is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		_ = h.Mux.Close()
		h.closeErr = h.Bus.Close()
		select {
		case <-h.Mux.Done():
		case <-time.After(muxExitTimeout):
		}
		if h.onClose != nil {
			h.onClose()
		}
	})
	return h.closeErr
}
