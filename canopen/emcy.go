package canopen

import (
	"encoding/binary"
	"fmt"

	"github.com/notnil/canlink/canbus"
)

// Emergency is an EMCY message.
// Layout: error code (2 bytes LE), error register, 5 manufacturer bytes.
type Emergency struct {
	Node          NodeID
	ErrorCode     uint16
	ErrorRegister uint8
	Manufacturer  [5]byte
}

// MarshalCANFrame encodes the EMCY event on COB-ID 0x080 + node.
func (e Emergency) MarshalCANFrame() (canbus.Frame, error) {
	if err := e.Node.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	var f canbus.Frame
	f.ID = COBID(FC_EMCY, e.Node)
	f.Len = 8
	binary.LittleEndian.PutUint16(f.Data[0:2], e.ErrorCode)
	f.Data[2] = e.ErrorRegister
	copy(f.Data[3:8], e.Manufacturer[:])
	return f, nil
}

// UnmarshalCANFrame decodes an EMCY frame.
func (e *Emergency) UnmarshalCANFrame(f canbus.Frame) error {
	if f.Len < 8 {
		return fmt.Errorf("canopen: emcy too short: %d", f.Len)
	}
	fc, node, err := ParseCOBID(f.ID)
	if err != nil {
		return err
	}
	if fc != FC_EMCY {
		return fmt.Errorf("canopen: not an emcy frame (id=0x%X)", f.ID)
	}
	e.Node = node
	e.ErrorCode = binary.LittleEndian.Uint16(f.Data[0:2])
	e.ErrorRegister = f.Data[2]
	copy(e.Manufacturer[:], f.Data[3:8])
	return nil
}

// ErrorReset reports whether the message signals "error reset or no error".
func (e Emergency) ErrorReset() bool { return e.ErrorCode == 0 }
