package canbus

import "errors"

// Bus represents a CAN bus connection which can send and receive CAN frames.
// Implementations must be safe for concurrent use by multiple goroutines.
type Bus interface {
	// Send transmits a frame. It may block until the frame is queued.
	Send(frame Frame) error

	// Receive blocks until the next frame is available or the bus is closed.
	Receive() (Frame, error)

	// ResetReceiveBuffer discards frames queued for Receive. It is used to
	// recover after the controller reported a fault.
	ResetReceiveBuffer() error

	// Close releases resources. Further Send/Receive return ErrClosed.
	Close() error
}

var (
	// ErrClosed indicates the bus or endpoint has been closed.
	ErrClosed = errors.New("canbus: closed")

	// ErrBusFault indicates the controller reported an error condition
	// (bus-off, overrun, ...) while transmitting.
	ErrBusFault = errors.New("canbus: bus fault")
)
