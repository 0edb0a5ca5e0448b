package canopen

import (
	"github.com/notnil/canlink/canbus"
)

// FrameMarshaler encodes a typed CANopen entity into a CAN frame.
type FrameMarshaler interface {
	MarshalCANFrame() (canbus.Frame, error)
}

// FrameUnmarshaler decodes a typed CANopen entity from a CAN frame.
type FrameUnmarshaler interface {
	UnmarshalCANFrame(canbus.Frame) error
}

// FrameCodec combines marshaling and unmarshaling of CAN frames.
type FrameCodec interface {
	FrameMarshaler
	FrameUnmarshaler
}

var (
	_ FrameCodec = (*NMTFrame)(nil)
	_ FrameCodec = (*Heartbeat)(nil)
	_ FrameCodec = (*Emergency)(nil)
	_ FrameCodec = (*LSSMessage)(nil)
)

// Send marshals m and transmits it on bus.
func Send(bus canbus.Bus, m FrameMarshaler) error {
	f, err := m.MarshalCANFrame()
	if err != nil {
		return err
	}
	return bus.Send(f)
}
