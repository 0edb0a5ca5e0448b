package canopen

import "github.com/notnil/canlink/canbus"

// CANopen-typed filters for the services used by the network layer.

// ErrorControlAny matches every error control frame (0x701–0x77F), including
// guarding requests.
func ErrorControlAny() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.ByRange(COBID(FC_NMT_ERRCTRL, 1), COBID(FC_NMT_ERRCTRL, MaxNodeID)))
}

// ErrorControl matches error control frames of a single node.
func ErrorControl(node NodeID) canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.ByID(COBID(FC_NMT_ERRCTRL, node)))
}

// SDOResponseAny matches server->client SDO frames of every node.
func SDOResponseAny() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.ByRange(COBID(FC_SDO_TX, 1), COBID(FC_SDO_TX, MaxNodeID)))
}

// SDOResponse matches server->client SDO frames of node.
func SDOResponse(node NodeID) canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.ByID(COBID(FC_SDO_TX, node)))
}

// EMCY matches emergency messages from node.
func EMCY(node NodeID) canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.DataOnly(), canbus.ByID(COBID(FC_EMCY, node)))
}

// LSSResponse matches LSS slave responses (COB-ID 0x7E4).
func LSSResponse() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.DataOnly(), canbus.ByID(LSSSlaveID))
}

// LSSRequest matches LSS master requests (COB-ID 0x7E5).
func LSSRequest() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.DataOnly(), canbus.ByID(LSSMasterID))
}
