package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canlink/canbus"
	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/transceiver"
)

// respond answers device type probes for every node in nodes. Nodes listed in
// chatty answer twice and also emit a heartbeat.
func respond(ep canbus.Bus, nodes map[canopen.NodeID]bool, chatty map[canopen.NodeID]bool) {
	for {
		f, err := ep.Receive()
		if err != nil {
			return
		}
		req, err := canopen.ParseSDORequest(f)
		if err != nil || !req.Upload || !nodes[req.Node] {
			continue
		}
		rsp, _ := canopen.SDOExpeditedUploadResponse(req.Node, req.Index, req.Subindex, []byte{0x92, 0x01, 0x02, 0x00})
		_ = ep.Send(rsp)
		if chatty[req.Node] {
			_ = ep.Send(rsp)
			_ = canopen.Send(ep, canopen.Heartbeat{Node: req.Node, State: canopen.StateOperational})
		}
	}
}

func newHandle(t *testing.T, lb *canbus.LoopbackBus) *transceiver.Handle {
	t.Helper()
	h := transceiver.NewHandle(transceiver.Virtual, "vcan0", 500000, lb.Open())
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestScanEmptyBus(t *testing.T) {
	lb := canbus.NewLoopbackBus()
	defer lb.Close()
	h := newHandle(t, lb)

	got, err := New(nil).Scan(context.Background(), h, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScanFindsNodesOnce(t *testing.T) {
	lb := canbus.NewLoopbackBus()
	defer lb.Close()
	h := newHandle(t, lb)
	ep := lb.Open()
	defer ep.Close()
	go respond(ep, map[canopen.NodeID]bool{3: true, 64: true, 127: true}, map[canopen.NodeID]bool{64: true})

	s := New(nil)
	got, err := s.Scan(context.Background(), h, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []canopen.NodeID{3, 64, 127}, got)
	assert.Equal(t, got, s.Last())

	// a second scan starts from scratch
	again, err := s.Scan(context.Background(), h, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestScanWithoutHandle(t *testing.T) {
	_, err := New(nil).Scan(context.Background(), nil, time.Millisecond)
	assert.ErrorIs(t, err, ErrNoHandle)
}

func TestScanCancelled(t *testing.T) {
	lb := canbus.NewLoopbackBus()
	defer lb.Close()
	h := newHandle(t, lb)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := New(nil).Scan(ctx, h, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)
}

// faultyBus fails every Send after the first n, pausing once before the
// first failure so earlier responses have time to arrive.
type faultyBus struct {
	canbus.Bus
	n      int32
	sent   atomic.Int32
	resets atomic.Int32
}

var errBusOff = errors.New("bus off")

func (b *faultyBus) Send(f canbus.Frame) error {
	c := b.sent.Add(1)
	if c > b.n {
		if c == b.n+1 {
			time.Sleep(50 * time.Millisecond)
		}
		return errBusOff
	}
	return b.Bus.Send(f)
}

func (b *faultyBus) ResetReceiveBuffer() error {
	b.resets.Add(1)
	return b.Bus.ResetReceiveBuffer()
}

func TestScanFaultReturnsPartialResult(t *testing.T) {
	lb := canbus.NewLoopbackBus()
	defer lb.Close()
	fb := &faultyBus{Bus: lb.Open(), n: 10}
	h := transceiver.NewHandle(transceiver.Virtual, "vcan0", 500000, fb)
	defer h.Close()
	ep := lb.Open()
	defer ep.Close()
	go respond(ep, map[canopen.NodeID]bool{2: true, 7: true, 40: true}, nil)

	got, err := New(nil).Scan(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []canopen.NodeID{2, 7}, got)
	assert.Equal(t, int32(1), fb.resets.Load())
}

func TestScanProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("property test skipped in short mode")
	}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("scan reports each responding node exactly once in probe order", prop.ForAll(
		func(ids []uint8, chattyIDs []uint8) bool {
			nodes := make(map[canopen.NodeID]bool)
			for _, id := range ids {
				nodes[canopen.NodeID(id)] = true
			}
			chatty := make(map[canopen.NodeID]bool)
			for _, id := range chattyIDs {
				chatty[canopen.NodeID(id)] = true
			}

			lb := canbus.NewLoopbackBus()
			defer lb.Close()
			h := transceiver.NewHandle(transceiver.Virtual, "vcan0", 500000, lb.Open())
			defer h.Close()
			ep := lb.Open()
			defer ep.Close()
			go respond(ep, nodes, chatty)

			got, err := New(nil).Scan(context.Background(), h, 30*time.Millisecond)
			if err != nil || len(got) != len(nodes) {
				return false
			}
			for i, n := range got {
				if !nodes[n] {
					return false
				}
				if i > 0 && got[i-1] >= n {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8Range(1, 127)),
		gen.SliceOf(gen.UInt8Range(1, 127)),
	))

	properties.TestingRun(t)
}
