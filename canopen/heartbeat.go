package canopen

import (
	"fmt"

	"github.com/notnil/canlink/canbus"
)

// Heartbeat is an NMT error control message from a node: a heartbeat, a
// boot-up message or a node guarding response. Guarding responses carry a
// toggle bit in bit 7 that alternates between consecutive responses.
type Heartbeat struct {
	Node   NodeID
	State  NMTState
	Toggle bool
}

// MarshalCANFrame encodes the message on COB-ID 0x700 + node.
func (h Heartbeat) MarshalCANFrame() (canbus.Frame, error) {
	if err := h.Node.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	var f canbus.Frame
	f.ID = COBID(FC_NMT_ERRCTRL, h.Node)
	f.Len = 1
	f.Data[0] = byte(h.State) & 0x7F
	if h.Toggle {
		f.Data[0] |= 0x80
	}
	return f, nil
}

// UnmarshalCANFrame decodes an error control data frame.
func (h *Heartbeat) UnmarshalCANFrame(f canbus.Frame) error {
	if f.RTR {
		return fmt.Errorf("canopen: guarding request is not a heartbeat (id=0x%X)", f.ID)
	}
	if f.Len < 1 {
		return fmt.Errorf("canopen: heartbeat too short: %d", f.Len)
	}
	fc, node, err := ParseCOBID(f.ID)
	if err != nil {
		return err
	}
	if fc != FC_NMT_ERRCTRL {
		return fmt.Errorf("canopen: not a heartbeat frame (id=0x%X)", f.ID)
	}
	h.Node = node
	h.State = NMTState(f.Data[0] & 0x7F)
	h.Toggle = f.Data[0]&0x80 != 0
	return nil
}

// SubscribeHeartbeats subscribes to error control data frames via mux and
// delivers parsed messages. If nodeFilter is non-nil, only messages from that
// node are delivered. A full channel drops messages, as the mux does. The
// channel is closed on cancel or when the mux closes.
func SubscribeHeartbeats(mux *canbus.Mux, nodeFilter *NodeID, buffer int) (<-chan Heartbeat, func()) {
	filter := ErrorControlAny()
	if nodeFilter != nil {
		filter = ErrorControl(*nodeFilter)
	}
	frames, cancel := mux.Subscribe(canbus.And(filter, canbus.DataOnly()), buffer)

	out := make(chan Heartbeat, buffer)
	go func() {
		defer close(out)
		for f := range frames {
			var hb Heartbeat
			if err := hb.UnmarshalCANFrame(f); err != nil {
				continue
			}
			select {
			case out <- hb:
			default:
			}
		}
	}()
	return out, cancel
}
