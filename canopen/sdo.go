package canopen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/notnil/canlink/canbus"
)

// SDO command specifiers (bits 7..5 of byte 0).
const (
	sdoCCSDownloadInitiate = 1 // client->server
	sdoCCSUploadInitiate   = 2 // client->server
	sdoSCSUploadInitiate   = 2 // server->client
	sdoSCSDownloadInitiate = 3 // server->client
	sdoCSAbort             = 4 // both directions
)

// ErrSDOTimeout is returned when the server does not answer in time.
var ErrSDOTimeout = errors.New("canopen: sdo timeout")

func sdoCmd(f canbus.Frame) byte { return (f.Data[0] >> 5) & 0x7 }

func sdoFrame(fc FunctionCode, node NodeID, cmd byte, index uint16, subindex uint8) canbus.Frame {
	var f canbus.Frame
	f.ID = COBID(fc, node)
	f.Len = 8
	f.Data[0] = cmd
	binary.LittleEndian.PutUint16(f.Data[1:3], index)
	f.Data[3] = subindex
	return f
}

// expeditedCmd encodes cs with e=1, s=1 and n unused bytes.
func expeditedCmd(cs byte, size int) byte {
	return cs<<5 | 1<<3 | 1<<2 | byte(4-size)&0x3
}

// SDOExpeditedDownload builds a client->server expedited download (write) of
// up to 4 bytes.
func SDOExpeditedDownload(target NodeID, index uint16, subindex uint8, data []byte) (canbus.Frame, error) {
	if err := target.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	if len(data) == 0 || len(data) > 4 {
		return canbus.Frame{}, fmt.Errorf("canopen: expedited download takes 1..4 bytes, got %d", len(data))
	}
	f := sdoFrame(FC_SDO_RX, target, expeditedCmd(sdoCCSDownloadInitiate, len(data)), index, subindex)
	copy(f.Data[4:], data)
	return f, nil
}

// SDOUploadRequest builds a client->server initiate upload (read) request.
func SDOUploadRequest(target NodeID, index uint16, subindex uint8) (canbus.Frame, error) {
	if err := target.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	return sdoFrame(FC_SDO_RX, target, sdoCCSUploadInitiate<<5, index, subindex), nil
}

// SDOExpeditedUploadResponse builds the server->client answer carrying up to
// 4 bytes.
func SDOExpeditedUploadResponse(node NodeID, index uint16, subindex uint8, data []byte) (canbus.Frame, error) {
	if err := node.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	if len(data) == 0 || len(data) > 4 {
		return canbus.Frame{}, fmt.Errorf("canopen: expedited upload takes 1..4 bytes, got %d", len(data))
	}
	f := sdoFrame(FC_SDO_TX, node, expeditedCmd(sdoSCSUploadInitiate, len(data)), index, subindex)
	copy(f.Data[4:], data)
	return f, nil
}

// SDODownloadResponse builds the server->client acknowledgement of a download.
func SDODownloadResponse(node NodeID, index uint16, subindex uint8) canbus.Frame {
	return sdoFrame(FC_SDO_TX, node, sdoSCSDownloadInitiate<<5, index, subindex)
}

// SDORequest is a decoded client->server initiate request.
type SDORequest struct {
	Node     NodeID
	Upload   bool
	Index    uint16
	Subindex uint8
	Data     []byte
}

// ParseSDORequest decodes an initiate upload or expedited download request.
func ParseSDORequest(f canbus.Frame) (SDORequest, error) {
	fc, node, err := ParseCOBID(f.ID)
	if err != nil {
		return SDORequest{}, err
	}
	if fc != FC_SDO_RX || f.Len != 8 {
		return SDORequest{}, fmt.Errorf("canopen: not an SDO request (id=0x%X)", f.ID)
	}
	req := SDORequest{
		Node:     node,
		Index:    binary.LittleEndian.Uint16(f.Data[1:3]),
		Subindex: f.Data[3],
	}
	switch sdoCmd(f) {
	case sdoCCSUploadInitiate:
		req.Upload = true
	case sdoCCSDownloadInitiate:
		data, err := expeditedData(f)
		if err != nil {
			return SDORequest{}, err
		}
		req.Data = data
	default:
		return SDORequest{}, fmt.Errorf("canopen: unsupported SDO command 0x%02X", f.Data[0])
	}
	return req, nil
}

func expeditedData(f canbus.Frame) ([]byte, error) {
	cmd := f.Data[0]
	if cmd&(1<<3) == 0 || cmd&(1<<2) == 0 {
		return nil, fmt.Errorf("canopen: only expedited+size indicated supported (cmd=0x%02X)", cmd)
	}
	size := 4 - int(cmd&0x3)
	out := make([]byte, size)
	copy(out, f.Data[4:4+size])
	return out, nil
}

// SDOClient performs expedited SDO transfers against one node. Responses are
// awaited through the mux so other consumers of the bus are not blocked.
type SDOClient struct {
	bus     canbus.Bus
	mux     *canbus.Mux
	node    NodeID
	timeout time.Duration
}

// NewSDOClient constructs an SDOClient. A zero timeout defaults to 500 ms.
func NewSDOClient(bus canbus.Bus, mux *canbus.Mux, node NodeID, timeout time.Duration) *SDOClient {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &SDOClient{bus: bus, mux: mux, node: node, timeout: timeout}
}

// Node returns the server node id.
func (c *SDOClient) Node() NodeID { return c.node }

// transfer sends req and waits for the first response to index/subindex with
// the expected server command specifier, or an abort.
func (c *SDOClient) transfer(req canbus.Frame, index uint16, subindex uint8, want byte) (canbus.Frame, error) {
	ch, cancel := c.mux.Subscribe(SDOResponse(c.node), 4)
	defer cancel()

	if err := c.bus.Send(req); err != nil {
		return canbus.Frame{}, err
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return canbus.Frame{}, canbus.ErrClosed
			}
			if f.Len != 8 {
				continue
			}
			if binary.LittleEndian.Uint16(f.Data[1:3]) != index || f.Data[3] != subindex {
				continue
			}
			if ab, ok := parseSDOAbort(f); ok {
				return canbus.Frame{}, ab
			}
			if sdoCmd(f) == want {
				return f, nil
			}
		case <-timer.C:
			return canbus.Frame{}, fmt.Errorf("%w: node %d %04X:%02X", ErrSDOTimeout, c.node, index, subindex)
		}
	}
}

// Download writes up to 4 bytes to index/subindex using expedited transfer.
func (c *SDOClient) Download(index uint16, subindex uint8, data []byte) error {
	req, err := SDOExpeditedDownload(c.node, index, subindex, data)
	if err != nil {
		return err
	}
	_, err = c.transfer(req, index, subindex, sdoSCSDownloadInitiate)
	return err
}

// Upload reads up to 4 bytes via expedited transfer.
func (c *SDOClient) Upload(index uint16, subindex uint8) ([]byte, error) {
	req, err := SDOUploadRequest(c.node, index, subindex)
	if err != nil {
		return nil, err
	}
	f, err := c.transfer(req, index, subindex, sdoSCSUploadInitiate)
	if err != nil {
		return nil, err
	}
	return expeditedData(f)
}

func (c *SDOClient) WriteU32(index uint16, subindex uint8, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return c.Download(index, subindex, b[:])
}

func (c *SDOClient) ReadU8(index uint16, subindex uint8) (uint8, error) {
	b, err := c.Upload(index, subindex)
	if err != nil {
		return 0, err
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("canopen: sdo read u8: got %d bytes", len(b))
	}
	return b[0], nil
}

func (c *SDOClient) ReadU32(index uint16, subindex uint8) (uint32, error) {
	b, err := c.Upload(index, subindex)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("canopen: sdo read u32: got %d bytes", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}
