// Package simnode simulates a CANopen slave on a loopback bus. It answers
// node guarding, expedited SDO uploads of the identity objects, NMT commands
// and the LSS services used for reconfiguration.
package simnode

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/notnil/canlink/canbus"
	"github.com/notnil/canlink/canopen"
)

// Identity is the content of object 0x1018.
type Identity struct {
	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32
}

// Config describes a simulated node.
type Config struct {
	ID         canopen.NodeID
	Identity   Identity
	DeviceType uint32
	// ErrorRegister is reported in object 0x1001.
	ErrorRegister uint8
	// RejectStore makes store configuration answer with error code 1.
	RejectStore bool
	// IgnoreConfigure makes configure node id go unanswered.
	IgnoreConfigure bool
}

// Node is a running simulated slave.
type Node struct {
	cfg Config
	bus canbus.Bus

	paused atomic.Bool
	done   chan struct{}

	mu         sync.Mutex
	id         canopen.NodeID
	state      canopen.NMTState
	toggle     bool
	pendingID  canopen.NodeID
	pendingBit uint8
	hasBit     bool
	stored     bool
	selectStep int
	configMode bool
	resets     int
}

// Start attaches a node to bus, announces it with a boot-up message and
// starts serving requests until Close.
func Start(bus canbus.Bus, cfg Config) *Node {
	n := &Node{
		cfg:   cfg,
		bus:   bus,
		done:  make(chan struct{}),
		id:    cfg.ID,
		state: canopen.StatePreOperational,
	}
	_ = canopen.Send(bus, canopen.Heartbeat{Node: cfg.ID, State: canopen.StateBootup})
	go n.serve()
	return n
}

// Close detaches the node from the bus and waits for it to stop.
func (n *Node) Close() error {
	err := n.bus.Close()
	<-n.done
	return err
}

// Pause makes the node ignore every frame until Resume, like a stalled
// device.
func (n *Node) Pause() { n.paused.Store(true) }

// Resume reverses Pause.
func (n *Node) Resume() { n.paused.Store(false) }

// NodeID returns the active node id.
func (n *Node) NodeID() canopen.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// BitTimingIndex returns the pending bit timing table index, if configured.
func (n *Node) BitTimingIndex() (uint8, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pendingBit, n.hasBit
}

// Stored reports whether store configuration succeeded.
func (n *Node) Stored() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stored
}

// Resets counts NMT reset node and reset communication commands obeyed.
func (n *Node) Resets() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resets
}

// Selected reports whether the node is in LSS configuration state.
func (n *Node) Selected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.configMode
}

func (n *Node) serve() {
	defer close(n.done)
	for {
		f, err := n.bus.Receive()
		if err != nil {
			return
		}
		if n.paused.Load() {
			continue
		}
		var out []canbus.Frame
		n.mu.Lock()
		switch {
		case f.ID == 0 && !f.RTR:
			out = n.handleNMT(f)
		case f.ID == canopen.LSSMasterID:
			out = n.handleLSS(f)
		case f.RTR && f.ID == canopen.COBID(canopen.FC_NMT_ERRCTRL, n.id):
			out = n.handleGuard()
		case !f.RTR && f.ID == canopen.COBID(canopen.FC_SDO_RX, n.id):
			out = n.handleSDO(f)
		}
		n.mu.Unlock()
		for _, o := range out {
			_ = n.bus.Send(o)
		}
	}
}

func (n *Node) handleNMT(f canbus.Frame) []canbus.Frame {
	var cmd canopen.NMTFrame
	if err := cmd.UnmarshalCANFrame(f); err != nil {
		return nil
	}
	if cmd.Node != 0 && cmd.Node != uint8(n.id) {
		return nil
	}
	switch cmd.Command {
	case canopen.NMTStart:
		n.state = canopen.StateOperational
	case canopen.NMTStop:
		n.state = canopen.StateStopped
	case canopen.NMTEnterPreOperational:
		n.state = canopen.StatePreOperational
	case canopen.NMTResetNode, canopen.NMTResetCommunication:
		n.resets++
		if n.pendingID != 0 {
			n.id = n.pendingID
			n.pendingID = 0
		}
		n.toggle = false
		n.state = canopen.StatePreOperational
		boot, err := canopen.Heartbeat{Node: n.id, State: canopen.StateBootup}.MarshalCANFrame()
		if err != nil {
			return nil
		}
		return []canbus.Frame{boot}
	}
	return nil
}

func (n *Node) handleGuard() []canbus.Frame {
	f, err := canopen.Heartbeat{Node: n.id, State: n.state, Toggle: n.toggle}.MarshalCANFrame()
	if err != nil {
		return nil
	}
	n.toggle = !n.toggle
	return []canbus.Frame{f}
}

func (n *Node) handleSDO(f canbus.Frame) []canbus.Frame {
	req, err := canopen.ParseSDORequest(f)
	if err != nil {
		return nil
	}
	abort := func(code uint32) []canbus.Frame {
		return []canbus.Frame{canopen.SDOAbortFrame(n.id, canopen.SDOAbort{Index: req.Index, Subindex: req.Subindex, Code: code})}
	}
	if !req.Upload {
		return abort(canopen.SDOAbortReadOnly)
	}
	var value []byte
	u32 := func(v uint32) []byte {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return b[:]
	}
	switch {
	case req.Index == 0x1000 && req.Subindex == 0:
		value = u32(n.cfg.DeviceType)
	case req.Index == 0x1001 && req.Subindex == 0:
		value = []byte{n.cfg.ErrorRegister}
	case req.Index == 0x1018 && req.Subindex == 0:
		value = []byte{4}
	case req.Index == 0x1018 && req.Subindex == 1:
		value = u32(n.cfg.Identity.Vendor)
	case req.Index == 0x1018 && req.Subindex == 2:
		value = u32(n.cfg.Identity.Product)
	case req.Index == 0x1018 && req.Subindex == 3:
		value = u32(n.cfg.Identity.Revision)
	case req.Index == 0x1018 && req.Subindex == 4:
		value = u32(n.cfg.Identity.Serial)
	default:
		return abort(canopen.SDOAbortObjectMissing)
	}
	rsp, err := canopen.SDOExpeditedUploadResponse(n.id, req.Index, req.Subindex, value)
	if err != nil {
		return nil
	}
	return []canbus.Frame{rsp}
}

func (n *Node) handleLSS(f canbus.Frame) []canbus.Frame {
	var msg canopen.LSSMessage
	if err := msg.UnmarshalCANFrame(f); err != nil {
		return nil
	}
	reply := func(cmd canopen.LSSCommand, data ...byte) []canbus.Frame {
		m := canopen.LSSMessage{Command: cmd, FromSlave: true}
		copy(m.Data[:], data)
		rf, _ := m.MarshalCANFrame()
		return []canbus.Frame{rf}
	}
	replyU32 := func(cmd canopen.LSSCommand, v uint32) []canbus.Frame {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return reply(cmd, b[:]...)
	}

	switch msg.Command {
	case canopen.LSSSwitchStateGlobal:
		n.configMode = canopen.LSSMode(msg.Data[0]) == canopen.LSSModeConfiguration
		n.selectStep = 0
		return nil
	case canopen.LSSSwitchSelectiveVendor, canopen.LSSSwitchSelectiveProduct,
		canopen.LSSSwitchSelectiveRev, canopen.LSSSwitchSelectiveSerial:
		return n.selectStepFor(msg, reply)
	}

	if !n.configMode {
		return nil
	}
	switch msg.Command {
	case canopen.LSSConfigureNodeID:
		if n.cfg.IgnoreConfigure {
			return nil
		}
		id := msg.Data[0]
		if id != canopen.LSSUnconfiguredNodeID && canopen.NodeID(id).Validate() != nil {
			return reply(msg.Command, 1)
		}
		n.pendingID = canopen.NodeID(id)
		return reply(msg.Command, 0)
	case canopen.LSSConfigureBitTiming:
		if msg.Data[0] != 0 {
			return reply(msg.Command, 1)
		}
		if _, ok := canopen.BitrateForIndex(msg.Data[1]); !ok {
			return reply(msg.Command, 1)
		}
		n.pendingBit, n.hasBit = msg.Data[1], true
		return reply(msg.Command, 0)
	case canopen.LSSStoreConfiguration:
		if n.cfg.RejectStore {
			return reply(msg.Command, 1)
		}
		n.stored = true
		return reply(msg.Command, 0)
	case canopen.LSSInquireNodeID:
		return reply(msg.Command, byte(n.id))
	case canopen.LSSInquireVendor:
		return replyU32(msg.Command, n.cfg.Identity.Vendor)
	case canopen.LSSInquireProduct:
		return replyU32(msg.Command, n.cfg.Identity.Product)
	case canopen.LSSInquireRevision:
		return replyU32(msg.Command, n.cfg.Identity.Revision)
	case canopen.LSSInquireSerial:
		return replyU32(msg.Command, n.cfg.Identity.Serial)
	}
	return nil
}

// selectStepFor advances the selective switch through vendor, product,
// revision and serial. Any mismatch restarts it.
func (n *Node) selectStepFor(msg canopen.LSSMessage, reply func(canopen.LSSCommand, ...byte) []canbus.Frame) []canbus.Frame {
	order := []struct {
		cmd  canopen.LSSCommand
		want uint32
	}{
		{canopen.LSSSwitchSelectiveVendor, n.cfg.Identity.Vendor},
		{canopen.LSSSwitchSelectiveProduct, n.cfg.Identity.Product},
		{canopen.LSSSwitchSelectiveRev, n.cfg.Identity.Revision},
		{canopen.LSSSwitchSelectiveSerial, n.cfg.Identity.Serial},
	}
	if msg.Command == canopen.LSSSwitchSelectiveVendor {
		n.selectStep = 0
	}
	step := order[n.selectStep]
	if msg.Command != step.cmd || msg.Value() != step.want {
		n.selectStep = 0
		return nil
	}
	n.selectStep++
	if n.selectStep < len(order) {
		return nil
	}
	n.selectStep = 0
	n.configMode = true
	return reply(canopen.LSSSwitchSelectiveResult)
}
