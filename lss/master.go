// Package lss implements the master side of CiA 305 Layer Setting Services:
// selecting a node by its identity and changing its node id or bit timing.
package lss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/notnil/canlink/canbus"
	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/transceiver"
)

var (
	// ErrNoResponse means no slave answered within the timeout.
	ErrNoResponse = errors.New("lss: no response")

	// ErrNoHandle means the master has no open handle.
	ErrNoHandle = errors.New("lss: no open handle")
)

// DefaultTimeout bounds the wait for each slave response.
const DefaultTimeout = 500 * time.Millisecond

// Address is the identity of a node as stored in object 0x1018.
type Address struct {
	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%08X:%08X:%08X:%08X", a.Vendor, a.Product, a.Revision, a.Serial)
}

// StepError reports a configuration step the slave rejected.
type StepError struct {
	Command  canopen.LSSCommand
	Code     uint8
	Specific uint8
}

func (e *StepError) Error() string {
	return fmt.Sprintf("lss: command 0x%02X rejected: error %d (specific %d)", uint8(e.Command), e.Code, e.Specific)
}

// Master issues LSS requests on one handle. Only one node can be in
// configuration state at a time, so a Master must not be shared between
// concurrent reconfigurations.
type Master struct {
	h       *transceiver.Handle
	timeout time.Duration
	logger  *slog.Logger
}

// NewMaster returns a Master on h. A non-positive timeout uses DefaultTimeout.
func NewMaster(h *transceiver.Handle, timeout time.Duration, logger *slog.Logger) *Master {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Master{h: h, timeout: timeout, logger: logger.With("component", "lss")}
}

func (m *Master) send(msg canopen.LSSMessage) error {
	if m.h == nil {
		return ErrNoHandle
	}
	return canopen.Send(m.h.Bus, msg)
}

// request sends msg and waits for a slave response carrying want.
func (m *Master) request(ctx context.Context, msg canopen.LSSMessage, want canopen.LSSCommand) (canopen.LSSMessage, error) {
	if m.h == nil {
		return canopen.LSSMessage{}, ErrNoHandle
	}
	frames, cancel := m.h.Mux.Subscribe(canopen.LSSResponse(), 4)
	defer cancel()
	if err := m.send(msg); err != nil {
		return canopen.LSSMessage{}, err
	}
	return m.await(ctx, frames, want)
}

func (m *Master) await(ctx context.Context, frames <-chan canbus.Frame, want canopen.LSSCommand) (canopen.LSSMessage, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return canopen.LSSMessage{}, canbus.ErrClosed
			}
			var rsp canopen.LSSMessage
			if err := rsp.UnmarshalCANFrame(f); err != nil || rsp.Command != want {
				continue
			}
			return rsp, nil
		case <-timer.C:
			return canopen.LSSMessage{}, fmt.Errorf("%w to command 0x%02X", ErrNoResponse, uint8(want))
		case <-ctx.Done():
			return canopen.LSSMessage{}, ctx.Err()
		}
	}
}

// SwitchStateGlobal switches every slave on the bus to mode. Slaves do not
// answer it.
func (m *Master) SwitchStateGlobal(mode canopen.LSSMode) error {
	msg := canopen.LSSMessage{Command: canopen.LSSSwitchStateGlobal}
	msg.Data[0] = byte(mode)
	m.logger.Debug("switch state global", "mode", mode)
	return m.send(msg)
}

// SwitchStateSelective puts the slave matching addr into configuration
// state. It returns ErrNoResponse when no slave confirms.
func (m *Master) SwitchStateSelective(ctx context.Context, addr Address) error {
	if m.h == nil {
		return ErrNoHandle
	}
	frames, cancel := m.h.Mux.Subscribe(canopen.LSSResponse(), 4)
	defer cancel()
	parts := []struct {
		cmd   canopen.LSSCommand
		value uint32
	}{
		{canopen.LSSSwitchSelectiveVendor, addr.Vendor},
		{canopen.LSSSwitchSelectiveProduct, addr.Product},
		{canopen.LSSSwitchSelectiveRev, addr.Revision},
		{canopen.LSSSwitchSelectiveSerial, addr.Serial},
	}
	for _, p := range parts {
		if err := m.send(canopen.NewLSSRequest(p.cmd, p.value)); err != nil {
			return err
		}
	}
	if _, err := m.await(ctx, frames, canopen.LSSSwitchSelectiveResult); err != nil {
		return err
	}
	m.logger.Debug("node selected", "address", addr)
	return nil
}

// InquireNodeID asks the selected slave for its active node id.
func (m *Master) InquireNodeID(ctx context.Context) (canopen.NodeID, error) {
	rsp, err := m.request(ctx, canopen.LSSMessage{Command: canopen.LSSInquireNodeID}, canopen.LSSInquireNodeID)
	if err != nil {
		return 0, err
	}
	return canopen.NodeID(rsp.Data[0]), nil
}

// InquireAddress reads the identity of the selected slave.
func (m *Master) InquireAddress(ctx context.Context) (Address, error) {
	var a Address
	for _, q := range []struct {
		cmd canopen.LSSCommand
		dst *uint32
	}{
		{canopen.LSSInquireVendor, &a.Vendor},
		{canopen.LSSInquireProduct, &a.Product},
		{canopen.LSSInquireRevision, &a.Revision},
		{canopen.LSSInquireSerial, &a.Serial},
	} {
		rsp, err := m.request(ctx, canopen.LSSMessage{Command: q.cmd}, q.cmd)
		if err != nil {
			return Address{}, err
		}
		*q.dst = rsp.Value()
	}
	return a, nil
}

// configure sends a configuration command and checks the slave's error code.
func (m *Master) configure(ctx context.Context, msg canopen.LSSMessage) error {
	rsp, err := m.request(ctx, msg, msg.Command)
	if err != nil {
		return err
	}
	if rsp.Data[0] != 0 {
		return &StepError{Command: msg.Command, Code: rsp.Data[0], Specific: rsp.Data[1]}
	}
	return nil
}

// ConfigureNodeID assigns id to the selected slave. It takes effect after
// the next NMT reset communication.
func (m *Master) ConfigureNodeID(ctx context.Context, id canopen.NodeID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	msg := canopen.LSSMessage{Command: canopen.LSSConfigureNodeID}
	msg.Data[0] = byte(id)
	return m.configure(ctx, msg)
}

// ConfigureBitTiming selects bitrate from the standard bit timing table.
func (m *Master) ConfigureBitTiming(ctx context.Context, bitrate int) error {
	idx, err := canopen.BitTimingIndex(bitrate)
	if err != nil {
		return err
	}
	msg := canopen.LSSMessage{Command: canopen.LSSConfigureBitTiming}
	msg.Data[0] = 0
	msg.Data[1] = idx
	return m.configure(ctx, msg)
}

// ActivateBitTiming tells every slave to switch to the configured bit timing
// after delay. Slaves do not answer it.
func (m *Master) ActivateBitTiming(delay time.Duration) error {
	ms := delay.Milliseconds()
	if ms < 0 || ms > 0xFFFF {
		return fmt.Errorf("lss: activation delay %s out of range", delay)
	}
	msg := canopen.LSSMessage{Command: canopen.LSSActivateBitTiming}
	msg.Data[0] = byte(ms)
	msg.Data[1] = byte(ms >> 8)
	return m.send(msg)
}

// StoreConfiguration makes the selected slave persist its pending settings.
func (m *Master) StoreConfiguration(ctx context.Context) error {
	return m.configure(ctx, canopen.LSSMessage{Command: canopen.LSSStoreConfiguration})
}

// ResetCommunication sends NMT reset communication to node.
func (m *Master) ResetCommunication(node canopen.NodeID) error {
	if m.h == nil {
		return ErrNoHandle
	}
	return canopen.SendNMT(m.h.Bus, canopen.NMTResetCommunication, uint8(node))
}
