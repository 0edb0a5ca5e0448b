package device

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canlink/canbus"
	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/internal/simnode"
	"github.com/notnil/canlink/network"
	"github.com/notnil/canlink/transceiver"
)

// staticNet is a network.Network with a swappable handle.
type staticNet struct {
	mu sync.Mutex
	h  *transceiver.Handle
}

func (n *staticNet) Handle() *transceiver.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.h
}

func (n *staticNet) State() network.State { return network.Connected }

func (n *staticNet) swap(h *transceiver.Handle) {
	n.mu.Lock()
	n.h = h
	n.mu.Unlock()
}

var drive = simnode.Identity{Vendor: 0x29C, Product: 0x2000, Revision: 0x10, Serial: 123456}

func setup(t *testing.T) (*canbus.LoopbackBus, *staticNet) {
	t.Helper()
	lb := canbus.NewLoopbackBus()
	h := transceiver.NewHandle(transceiver.Virtual, "vcan0", 1000000, lb.Open())
	t.Cleanup(func() {
		_ = h.Close()
		_ = lb.Close()
	})
	return lb, &staticNet{h: h}
}

func TestBuildReadsIdentity(t *testing.T) {
	lb, net := setup(t)
	node := simnode.Start(lb.Open(), simnode.Config{ID: 3, Identity: drive, ErrorRegister: 0x81})
	defer node.Close()

	f := &Factory{SDOTimeout: 200 * time.Millisecond}
	dev, err := f.Build(net, net.Handle(), network.DeviceSpec{Node: 3})
	require.NoError(t, err)
	defer dev.Close()

	s := dev.(*Servo)
	assert.Equal(t, canopen.NodeID(3), s.Node())
	assert.Equal(t, Identity{Vendor: 0x29C, Product: 0x2000, Revision: 0x10, Serial: 123456}, s.Identity())
	assert.Equal(t, uint32(123456), s.Identity().Address().Serial)

	v, err := s.ReadU32(0x1018, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000), v)
	assert.Error(t, s.WriteU32(0x1018, 2, 1), "identity is read-only")

	reg, err := s.ErrorRegister()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x81), reg)
}

func TestBuildFailsWithoutNode(t *testing.T) {
	_, net := setup(t)
	f := &Factory{SDOTimeout: 20 * time.Millisecond}
	_, err := f.Build(net, net.Handle(), network.DeviceSpec{Node: 8})
	assert.ErrorIs(t, err, canopen.ErrSDOTimeout)

	dev, err := f.Build(net, net.Handle(), network.DeviceSpec{Node: 8, BootMode: true})
	require.NoError(t, err)
	assert.Equal(t, Identity{}, dev.(*Servo).Identity())
	require.NoError(t, dev.Close())
}

func TestBuildChecksDictionary(t *testing.T) {
	lb, net := setup(t)
	node := simnode.Start(lb.Open(), simnode.Config{ID: 3, Identity: drive})
	defer node.Close()
	f := &Factory{SDOTimeout: 200 * time.Millisecond}

	_, err := f.Build(net, net.Handle(), network.DeviceSpec{Node: 3, DictionaryPath: filepath.Join(t.TempDir(), "missing.xdf")})
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "drive.xdf")
	require.NoError(t, os.WriteFile(path, []byte("<dictionary/>"), 0o644))
	dev, err := f.Build(net, net.Handle(), network.DeviceSpec{Node: 3, DictionaryPath: path})
	require.NoError(t, err)
	assert.Equal(t, path, dev.(*Servo).Spec().DictionaryPath)
	require.NoError(t, dev.Close())
}

func TestServoFollowsHandleAndRecordsEmergencies(t *testing.T) {
	lb, net := setup(t)
	f := &Factory{SDOTimeout: 20 * time.Millisecond}
	dev, err := f.Build(net, net.Handle(), network.DeviceSpec{Node: 5, BootMode: true})
	require.NoError(t, err)
	s := dev.(*Servo)
	defer s.Close()

	// the bus is reopened, as a network reset does
	old := net.Handle()
	fresh := transceiver.NewHandle(transceiver.Virtual, "vcan0", 1000000, lb.Open())
	defer fresh.Close()
	net.swap(fresh)
	require.NoError(t, old.Close())

	ep := lb.Open()
	defer ep.Close()
	require.Eventually(t, func() bool {
		_ = canopen.Send(ep, canopen.Emergency{Node: 5, ErrorCode: 0x2310, ErrorRegister: 0x03})
		_, ok := s.LastEmergency()
		return ok
	}, time.Second, 20*time.Millisecond)
	e, _ := s.LastEmergency()
	assert.Equal(t, uint16(0x2310), e.ErrorCode)

	require.NoError(t, s.SendNMT(canopen.NMTStart))
}

func TestServoAfterClose(t *testing.T) {
	_, net := setup(t)
	f := &Factory{SDOTimeout: 10 * time.Millisecond}
	dev, err := f.Build(net, net.Handle(), network.DeviceSpec{Node: 5, BootMode: true})
	require.NoError(t, err)
	s := dev.(*Servo)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.ReadU32(0x1000, 0)
	assert.ErrorIs(t, err, ErrClosed)

	net.swap(nil)
	assert.ErrorIs(t, s.SendNMT(canopen.NMTStop), network.ErrNotConnected)
}
