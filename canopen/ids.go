package canopen

import (
	"fmt"
	"strconv"
)

// NodeID represents a CANopen node identifier (1..127).
// Value 0 addresses all nodes in NMT commands and is only accepted there.
type NodeID uint8

// MaxNodeID is the highest assignable node id.
const MaxNodeID NodeID = 127

// String formats the id in decimal, so slices of ids print as numbers.
func (n NodeID) String() string { return strconv.Itoa(int(n)) }

// Validate checks that the node identifier is in the range 1..127.
func (n NodeID) Validate() error {
	if n < 1 || n > MaxNodeID {
		return fmt.Errorf("canopen: invalid node id %d (valid 1..127)", n)
	}
	return nil
}

// FunctionCode enumerates CANopen function code bases (CiA 301).
type FunctionCode uint16

const (
	// Fixed COB-IDs (no node id addition)
	FC_NMT  FunctionCode = 0x000
	FC_SYNC FunctionCode = 0x080
	FC_TIME FunctionCode = 0x100

	FC_EMCY FunctionCode = 0x080 // + node id

	// PDOs
	FC_TPDO1 FunctionCode = 0x180
	FC_RPDO1 FunctionCode = 0x200
	FC_TPDO2 FunctionCode = 0x280
	FC_RPDO2 FunctionCode = 0x300
	FC_TPDO3 FunctionCode = 0x380
	FC_RPDO3 FunctionCode = 0x400
	FC_TPDO4 FunctionCode = 0x480
	FC_RPDO4 FunctionCode = 0x500

	// SDO
	FC_SDO_TX FunctionCode = 0x580 // server->client
	FC_SDO_RX FunctionCode = 0x600 // client->server

	// Heartbeat, node guarding and boot-up
	FC_NMT_ERRCTRL FunctionCode = 0x700
)

// COBID composes the 11-bit CAN identifier for a function code and node id.
// NMT and TIME use fixed identifiers and ignore node.
func COBID(fc FunctionCode, node NodeID) uint32 {
	if fc == FC_NMT || fc == FC_TIME {
		return uint32(fc)
	}
	return uint32(uint16(fc) + uint16(node))
}

var nodeRanges = []struct {
	fc   FunctionCode
	base uint16
}{
	{FC_EMCY, 0x080},
	{FC_TPDO1, 0x180},
	{FC_RPDO1, 0x200},
	{FC_TPDO2, 0x280},
	{FC_RPDO2, 0x300},
	{FC_TPDO3, 0x380},
	{FC_RPDO3, 0x400},
	{FC_TPDO4, 0x480},
	{FC_RPDO4, 0x500},
	{FC_SDO_TX, 0x580},
	{FC_SDO_RX, 0x600},
	{FC_NMT_ERRCTRL, 0x700},
}

// ParseCOBID infers the function code and node id from an 11-bit identifier
// using the predefined connection set. SYNC (0x080) wins over EMCY of node 0.
func ParseCOBID(id uint32) (FunctionCode, NodeID, error) {
	if id > 0x7FF {
		return 0, 0, fmt.Errorf("canopen: invalid 11-bit id 0x%X", id)
	}
	u := uint16(id)
	switch u {
	case uint16(FC_NMT):
		return FC_NMT, 0, nil
	case uint16(FC_SYNC):
		return FC_SYNC, 0, nil
	case uint16(FC_TIME):
		return FC_TIME, 0, nil
	}
	for _, r := range nodeRanges {
		if u > r.base && u <= r.base+uint16(MaxNodeID) {
			return r.fc, NodeID(u - r.base), nil
		}
	}
	return 0, 0, fmt.Errorf("canopen: id 0x%X not in CANopen base ranges", id)
}
