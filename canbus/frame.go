package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Frame represents a classical CAN (2.0A/2.0B) frame.
//
// Standard (11-bit) and extended (29-bit) identifiers, data frames and remote
// transmission requests with 0..8 data bytes are supported. CAN FD is not.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool   // true for 29-bit identifier
	RTR      bool   // remote transmission request
	Len      uint8  // 0..8
	Data     [8]byte
}

const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return ErrInvalidLen
	}
	limit := uint32(maxStdID)
	if f.Extended {
		limit = maxExtID
	}
	if f.ID > limit {
		return ErrInvalidID
	}
	return nil
}

// NewFrame builds a data frame. Identifiers above 0x7FF select the extended
// format.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > 8 {
		return Frame{}, ErrInvalidLen
	}
	f := Frame{ID: id, Extended: id > maxStdID, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, f.Validate()
}

// MustFrame is NewFrame that panics on invalid input.
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// RemoteFrame builds a standard-format remote transmission request asking for
// n data bytes.
func RemoteFrame(id uint32, n uint8) Frame {
	return Frame{ID: id, RTR: true, Len: n}
}

// Payload returns the valid data bytes.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > 8 {
		n = 8
	}
	return f.Data[:n]
}

// String formats the frame candump-style: "123 [2] DE AD" or "700 [1] RTR".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}

// SocketCAN can_frame flags.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canEffMask = 0x1FFFFFFF
	canStdMask = 0x7FF
)

// MarshalBinary encodes the frame to the Linux SocketCAN "struct can_frame"
// layout (16 bytes, little-endian): can_id with EFF/RTR flags, dlc, three
// padding bytes and eight data bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the SocketCAN can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("canbus: need 16 bytes, got %d", len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&canEffFlag != 0
	f.RTR = id&canRtrFlag != 0
	if f.Extended {
		f.ID = id & canEffMask
	} else {
		f.ID = id & canStdMask
	}
	f.Len = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
