package transceiver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canlink/canbus"
)

func TestChannelTable(t *testing.T) {
	cases := []struct {
		vendor Vendor
		index  int
		want   string
	}{
		{Kvaser, 0, "0"},
		{Kvaser, 1, "1"},
		{PCAN, 0, "PCAN_USBBUS1"},
		{PCAN, 1, "PCAN_USBBUS2"},
		{IXXAT, 1, "1"},
		{SocketCAN, 0, "can0"},
		{Virtual, 1, "vcan1"},
	}
	for _, c := range cases {
		got, err := Channel(c.vendor, c.index)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s/%d", c.vendor, c.index)
	}
	_, err := Channel(PCAN, 2)
	assert.Error(t, err)
	_, err = Channel("acme", 0)
	assert.Error(t, err)
}

func TestParseVendor(t *testing.T) {
	v, err := ParseVendor(" PCAN ")
	require.NoError(t, err)
	assert.Equal(t, PCAN, v)
	_, err = ParseVendor("peak")
	assert.Error(t, err)
}

func TestMissingVendorDriver(t *testing.T) {
	b := NewBinding()
	for _, v := range []Vendor{Kvaser, PCAN, IXXAT} {
		_, err := b.Open(v, "0", 500000)
		assert.ErrorIs(t, err, ErrDriverMissing, "%s", v)
	}
}

func TestVirtualOpenIsExclusive(t *testing.T) {
	b := NewBinding()
	h, err := b.Open(Virtual, "vcan0", 1000000)
	require.NoError(t, err)
	assert.Equal(t, Virtual, h.Vendor)
	assert.Equal(t, 1000000, h.Bitrate)

	_, err = b.Open(Virtual, "vcan0", 1000000)
	assert.ErrorIs(t, err, ErrUnavailable)

	other, err := b.Open(Virtual, "vcan1", 1000000)
	require.NoError(t, err)
	require.NoError(t, other.Close())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	again, err := b.Open(Virtual, "vcan0", 1000000)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestVirtualUnplug(t *testing.T) {
	b := NewBinding()
	b.Virtual().Unplug("vcan0")
	_, err := b.Open(Virtual, "vcan0", 500000)
	require.ErrorIs(t, err, ErrUnavailable)

	b.Virtual().Plug("vcan0")
	h, err := b.Open(Virtual, "vcan0", 500000)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestHandleCarriesFrames(t *testing.T) {
	b := NewBinding(WithFrameTrace(true))
	node := b.Virtual().Bus("vcan0").Open()
	defer node.Close()

	h, err := b.Open(Virtual, "vcan0", 250000)
	require.NoError(t, err)
	defer h.Close()

	ch, cancel := h.Mux.Subscribe(canbus.ByID(0x701), 1)
	defer cancel()
	require.NoError(t, node.Send(canbus.MustFrame(0x701, []byte{0x00})))

	select {
	case f := <-ch:
		assert.Equal(t, uint32(0x701), f.ID)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered through handle mux")
	}
	require.NoError(t, h.ResetReceiveBuffer())
}

func TestDriverOverride(t *testing.T) {
	boom := errors.New("boom")
	lb := canbus.NewLoopbackBus()
	defer lb.Close()
	calls := 0
	driver := func(string, int) (canbus.Bus, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return lb.Open(), nil
	}
	b := NewBinding(WithDriver(Kvaser, driver))
	_, err := b.Open(Kvaser, "0", 500000)
	assert.ErrorIs(t, err, boom)

	// a failed open releases the channel
	h, err := b.Open(Kvaser, "0", 500000)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}
