package canopen

import (
	"encoding/binary"
	"fmt"

	"github.com/notnil/canlink/canbus"
)

// LSS (CiA 305) fixed COB-IDs.
const (
	LSSMasterID uint32 = 0x7E5 // master -> slave requests
	LSSSlaveID  uint32 = 0x7E4 // slave -> master responses
)

// LSSCommand is the LSS command specifier carried in byte 0.
type LSSCommand uint8

const (
	LSSSwitchStateGlobal LSSCommand = 0x04

	LSSConfigureNodeID        LSSCommand = 0x11
	LSSConfigureBitTiming     LSSCommand = 0x13
	LSSActivateBitTiming      LSSCommand = 0x15
	LSSStoreConfiguration     LSSCommand = 0x17
	LSSSwitchSelectiveVendor  LSSCommand = 0x40
	LSSSwitchSelectiveProduct LSSCommand = 0x41
	LSSSwitchSelectiveRev     LSSCommand = 0x42
	LSSSwitchSelectiveSerial  LSSCommand = 0x43
	LSSSwitchSelectiveResult  LSSCommand = 0x44

	LSSInquireVendor   LSSCommand = 0x5A
	LSSInquireProduct  LSSCommand = 0x5B
	LSSInquireRevision LSSCommand = 0x5C
	LSSInquireSerial   LSSCommand = 0x5D
	LSSInquireNodeID   LSSCommand = 0x5E
)

// LSSMode is the operating mode selected by switch state global.
type LSSMode uint8

const (
	LSSModeWaiting       LSSMode = 0
	LSSModeConfiguration LSSMode = 1
)

func (m LSSMode) String() string {
	switch m {
	case LSSModeWaiting:
		return "WAITING"
	case LSSModeConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// LSSUnconfiguredNodeID is reported by a slave without a valid node id.
const LSSUnconfiguredNodeID = 0xFF

// LSSMessage is one 8-byte LSS frame. FromSlave selects the response COB-ID.
type LSSMessage struct {
	Command   LSSCommand
	Data      [7]byte
	FromSlave bool
}

// NewLSSRequest builds a master request whose bytes 1..4 carry value (LE).
func NewLSSRequest(cmd LSSCommand, value uint32) LSSMessage {
	m := LSSMessage{Command: cmd}
	binary.LittleEndian.PutUint32(m.Data[0:4], value)
	return m
}

// Value returns bytes 1..4 as a little-endian uint32.
func (m LSSMessage) Value() uint32 {
	return binary.LittleEndian.Uint32(m.Data[0:4])
}

// MarshalCANFrame encodes the message on 0x7E5 or 0x7E4.
func (m LSSMessage) MarshalCANFrame() (canbus.Frame, error) {
	var f canbus.Frame
	f.ID = LSSMasterID
	if m.FromSlave {
		f.ID = LSSSlaveID
	}
	f.Len = 8
	f.Data[0] = byte(m.Command)
	copy(f.Data[1:], m.Data[:])
	return f, nil
}

// UnmarshalCANFrame decodes an LSS frame in either direction.
func (m *LSSMessage) UnmarshalCANFrame(f canbus.Frame) error {
	if f.ID != LSSMasterID && f.ID != LSSSlaveID {
		return fmt.Errorf("canopen: not an LSS frame (id=0x%X)", f.ID)
	}
	if f.Len != 8 || f.RTR {
		return fmt.Errorf("canopen: LSS frame len %d, want 8", f.Len)
	}
	m.FromSlave = f.ID == LSSSlaveID
	m.Command = LSSCommand(f.Data[0])
	copy(m.Data[:], f.Data[1:])
	return nil
}

// bitTimingTable is the CiA 305 standard bit timing table (table selector 0).
var bitTimingTable = map[int]uint8{
	1000000: 0,
	800000:  1,
	500000:  2,
	250000:  3,
	125000:  4,
	100000:  5,
	50000:   6,
	20000:   7,
	10000:   8,
}

// BitTimingIndex returns the standard table index for bitrate.
func BitTimingIndex(bitrate int) (uint8, error) {
	idx, ok := bitTimingTable[bitrate]
	if !ok {
		return 0, fmt.Errorf("canopen: bitrate %d not in the LSS bit timing table", bitrate)
	}
	return idx, nil
}

// BitrateForIndex is the inverse of BitTimingIndex.
func BitrateForIndex(idx uint8) (int, bool) {
	for rate, i := range bitTimingTable {
		if i == idx {
			return rate, true
		}
	}
	return 0, false
}
