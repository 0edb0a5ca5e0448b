package canopen

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/notnil/canlink/canbus"
)

func TestCOBIDHelpers(t *testing.T) {
	if id := COBID(FC_TPDO1, 1); id != 0x181 {
		t.Fatalf("tpdo1 id: 0x%X", id)
	}
	if fc, node, err := ParseCOBID(0x5FF); err != nil || fc != FC_SDO_TX || node != 0x7F {
		t.Fatalf("parse sdo tx: fc=%v node=%v err=%v", fc, node, err)
	}
	if fc, node, err := ParseCOBID(0x703); err != nil || fc != FC_NMT_ERRCTRL || node != 3 {
		t.Fatalf("parse errctrl: fc=%v node=%v err=%v", fc, node, err)
	}
	if fc, _, err := ParseCOBID(0x080); err != nil || fc != FC_SYNC {
		t.Fatalf("parse sync: fc=%v err=%v", fc, err)
	}
	if _, _, err := ParseCOBID(LSSSlaveID); err == nil {
		t.Fatalf("LSS ids are outside the predefined connection set")
	}
	if err := NodeID(0).Validate(); err == nil {
		t.Fatalf("node 0 must be invalid")
	}
	if err := NodeID(128).Validate(); err == nil {
		t.Fatalf("node 128 must be invalid")
	}
}

func TestNodeIDString(t *testing.T) {
	if s := NodeID(3).String(); s != "3" {
		t.Fatalf("string: %q", s)
	}
	if s := fmt.Sprint([]NodeID{3, 127}); s != "[3 127]" {
		t.Fatalf("slice: %q", s)
	}
}

func TestNMTFrame(t *testing.T) {
	f, err := NMTFrame{Command: NMTResetCommunication, Node: 3}.MarshalCANFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != 0 || f.Len != 2 || f.Data[0] != 0x82 || f.Data[1] != 3 {
		t.Fatalf("nmt frame: %s", f)
	}
	var n NMTFrame
	if err := n.UnmarshalCANFrame(f); err != nil || n.Command != NMTResetCommunication || n.Node != 3 {
		t.Fatalf("nmt parse mismatch: %+v err=%v", n, err)
	}
	if _, err := (NMTFrame{Command: NMTStart, Node: 200}).MarshalCANFrame(); err == nil {
		t.Fatalf("expected invalid target error")
	}
}

func TestGuardRequestAndResponse(t *testing.T) {
	req, err := GuardRequest(5)
	if err != nil {
		t.Fatal(err)
	}
	if !req.RTR || req.ID != 0x705 || req.Len != 1 {
		t.Fatalf("guard request: %s", req)
	}
	var hb Heartbeat
	if err := hb.UnmarshalCANFrame(req); err == nil {
		t.Fatalf("remote request must not parse as heartbeat")
	}

	f, err := Heartbeat{Node: 5, State: StatePreOperational, Toggle: true}.MarshalCANFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Data[0] != 0xFF {
		t.Fatalf("toggle+preop byte = 0x%02X", f.Data[0])
	}
	if err := hb.UnmarshalCANFrame(f); err != nil {
		t.Fatal(err)
	}
	if hb.Node != 5 || hb.State != StatePreOperational || !hb.Toggle {
		t.Fatalf("heartbeat mismatch %+v", hb)
	}
}

func TestSubscribeHeartbeats(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	defer bus.Close()
	mux := canbus.NewMux(bus.Open())
	defer mux.Close()
	node := NodeID(10)
	ch, cancel := SubscribeHeartbeats(mux, &node, 4)
	defer cancel()

	tx := bus.Open()
	guard, _ := GuardRequest(10)
	_ = tx.Send(guard)
	_ = Send(tx, Heartbeat{Node: 11, State: StateOperational})
	_ = Send(tx, Heartbeat{Node: 10, State: StateOperational})

	select {
	case hb := <-ch:
		if hb.Node != 10 || hb.State != StateOperational {
			t.Fatalf("unexpected heartbeat %+v", hb)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for heartbeat")
	}
}

func TestEMCY(t *testing.T) {
	f, err := Emergency{Node: 5, ErrorCode: 0x1234, ErrorRegister: 0x05}.MarshalCANFrame()
	if err != nil {
		t.Fatal(err)
	}
	var g Emergency
	if err := g.UnmarshalCANFrame(f); err != nil {
		t.Fatal(err)
	}
	if g.Node != 5 || g.ErrorCode != 0x1234 || g.ErrorRegister != 0x05 || g.ErrorReset() {
		t.Fatalf("emcy mismatch: %+v", g)
	}
}

func TestLSSMessage(t *testing.T) {
	m := NewLSSRequest(LSSSwitchSelectiveSerial, 123)
	f, err := m.MarshalCANFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != LSSMasterID || f.Data[0] != 0x43 || binary.LittleEndian.Uint32(f.Data[1:5]) != 123 {
		t.Fatalf("lss frame: %s", f)
	}
	var got LSSMessage
	if err := got.UnmarshalCANFrame(f); err != nil {
		t.Fatal(err)
	}
	if got.FromSlave || got.Command != LSSSwitchSelectiveSerial || got.Value() != 123 {
		t.Fatalf("lss mismatch %+v", got)
	}

	idx, err := BitTimingIndex(500000)
	if err != nil || idx != 2 {
		t.Fatalf("bit timing 500k: %d %v", idx, err)
	}
	if rate, ok := BitrateForIndex(5); !ok || rate != 100000 {
		t.Fatalf("index 5: %d %v", rate, ok)
	}
	if _, err := BitTimingIndex(333333); err == nil {
		t.Fatalf("expected unknown bitrate error")
	}
}

func TestSDORequestParsing(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE}
	f, err := SDOExpeditedDownload(0x23, 0x2000, 0x01, data)
	if err != nil {
		t.Fatal(err)
	}
	req, err := ParseSDORequest(f)
	if err != nil {
		t.Fatal(err)
	}
	if req.Node != 0x23 || req.Upload || req.Index != 0x2000 || req.Subindex != 1 || !bytes.Equal(req.Data, data) {
		t.Fatalf("download parse mismatch: %+v", req)
	}

	f, err = SDOUploadRequest(0x23, 0x1018, 0x04)
	if err != nil {
		t.Fatal(err)
	}
	req, err = ParseSDORequest(f)
	if err != nil || !req.Upload || req.Index != 0x1018 || req.Subindex != 4 {
		t.Fatalf("upload parse mismatch: %+v err=%v", req, err)
	}
	if _, err := SDOExpeditedDownload(0x23, 0x2000, 0, make([]byte, 5)); err == nil {
		t.Fatalf("expected size error")
	}
}

// serveSDO answers uploads of 0x1018:01 and aborts everything else.
func serveSDO(ep canbus.Bus, node NodeID, vendor uint32) {
	for {
		f, err := ep.Receive()
		if err != nil {
			return
		}
		req, err := ParseSDORequest(f)
		if err != nil || req.Node != node {
			continue
		}
		switch {
		case !req.Upload:
			_ = ep.Send(SDODownloadResponse(node, req.Index, req.Subindex))
		case req.Index == 0x1018 && req.Subindex == 1:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], vendor)
			rsp, _ := SDOExpeditedUploadResponse(node, req.Index, req.Subindex, b[:])
			_ = ep.Send(rsp)
		default:
			_ = ep.Send(SDOAbortFrame(node, SDOAbort{Index: req.Index, Subindex: req.Subindex, Code: SDOAbortObjectMissing}))
		}
	}
}

func TestSDOClient(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	defer bus.Close()
	clientEp := bus.Open()
	serverEp := bus.Open()
	go serveSDO(serverEp, 0x22, 0xCAFE)

	mux := canbus.NewMux(clientEp)
	defer mux.Close()
	c := NewSDOClient(clientEp, mux, 0x22, 200*time.Millisecond)

	if err := c.WriteU32(0x2000, 0x01, 7); err != nil {
		t.Fatalf("download: %v", err)
	}
	v, err := c.ReadU32(0x1018, 0x01)
	if err != nil || v != 0xCAFE {
		t.Fatalf("upload: %x %v", v, err)
	}

	_, err = c.Upload(0x1008, 0)
	var ab *SDOAbort
	if !errors.As(err, &ab) || ab.Code != SDOAbortObjectMissing {
		t.Fatalf("expected abort, got %v", err)
	}

	silent := NewSDOClient(clientEp, mux, 0x30, 50*time.Millisecond)
	if _, err := silent.Upload(0x1000, 0); !errors.Is(err, ErrSDOTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
