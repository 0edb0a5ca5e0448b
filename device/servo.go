// Package device builds the application objects for discovered nodes.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/notnil/canlink/canbus"
	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/lss"
	"github.com/notnil/canlink/network"
	"github.com/notnil/canlink/transceiver"
)

// ErrClosed is returned by operations on a closed Servo.
var ErrClosed = errors.New("device: closed")

// Communication profile objects.
const (
	errorRegisterIndex = 0x1001
	identityIndex      = 0x1018
)

// resubscribeDelay paces the emergency listener while the bus is reopened.
const resubscribeDelay = 50 * time.Millisecond

// Identity is the content of object 0x1018.
type Identity struct {
	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32
}

// Address returns the identity as an LSS address.
func (i Identity) Address() lss.Address {
	return lss.Address{Vendor: i.Vendor, Product: i.Product, Revision: i.Revision, Serial: i.Serial}
}

// Servo is a drive on the network. Every operation goes through the handle
// the network currently holds, so a Servo keeps working across resets.
type Servo struct {
	net      network.Network
	node     canopen.NodeID
	spec     network.DeviceSpec
	timeout  time.Duration
	logger   *slog.Logger
	identity Identity

	mu       sync.Mutex
	lastEMCY *canopen.Emergency

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ network.Device = (*Servo)(nil)

// Node returns the node id the servo was built for.
func (s *Servo) Node() canopen.NodeID { return s.node }

// Identity returns the identity read when the servo was built.
func (s *Servo) Identity() Identity { return s.identity }

// Spec returns the parameters the servo was built with.
func (s *Servo) Spec() network.DeviceSpec { return s.spec }

func (s *Servo) client() (*canopen.SDOClient, error) {
	select {
	case <-s.stop:
		return nil, ErrClosed
	default:
	}
	h := s.net.Handle()
	if h == nil {
		return nil, network.ErrNotConnected
	}
	return canopen.NewSDOClient(h.Bus, h.Mux, s.node, s.timeout), nil
}

// ReadU32 reads a 32-bit object over SDO.
func (s *Servo) ReadU32(index uint16, subindex uint8) (uint32, error) {
	c, err := s.client()
	if err != nil {
		return 0, err
	}
	return c.ReadU32(index, subindex)
}

// ErrorRegister reads object 0x1001.
func (s *Servo) ErrorRegister() (uint8, error) {
	c, err := s.client()
	if err != nil {
		return 0, err
	}
	return c.ReadU8(errorRegisterIndex, 0)
}

// WriteU32 writes a 32-bit object over SDO.
func (s *Servo) WriteU32(index uint16, subindex uint8, value uint32) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.WriteU32(index, subindex, value)
}

// SendNMT sends an NMT command addressed to this node.
func (s *Servo) SendNMT(cmd canopen.NMTCommand) error {
	h := s.net.Handle()
	if h == nil {
		return network.ErrNotConnected
	}
	return canopen.SendNMT(h.Bus, cmd, uint8(s.node))
}

// LastEmergency returns the most recent EMCY message from the node.
func (s *Servo) LastEmergency() (canopen.Emergency, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastEMCY == nil {
		return canopen.Emergency{}, false
	}
	return *s.lastEMCY, true
}

// Close stops the emergency listener. It is idempotent.
func (s *Servo) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

// listen follows the network's current handle and records emergencies.
func (s *Servo) listen() {
	defer close(s.done)
	for {
		if h := s.net.Handle(); h != nil {
			frames, cancel := h.Mux.Subscribe(canopen.EMCY(s.node), 8)
			s.drain(frames)
			cancel()
		}
		select {
		case <-s.stop:
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (s *Servo) drain(frames <-chan canbus.Frame) {
	for {
		select {
		case <-s.stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			var e canopen.Emergency
			if err := e.UnmarshalCANFrame(f); err != nil {
				continue
			}
			if e.ErrorReset() {
				s.logger.Info("emergency cleared")
			} else {
				s.logger.Warn("emergency", "code", fmt.Sprintf("0x%04X", e.ErrorCode), "register", e.ErrorRegister)
			}
			s.mu.Lock()
			s.lastEMCY = &e
			s.mu.Unlock()
		}
	}
}

// Factory builds Servos. It implements network.DeviceFactory.
type Factory struct {
	Logger     *slog.Logger
	SDOTimeout time.Duration
}

var _ network.DeviceFactory = (*Factory)(nil)

// Build reads the node's identity and starts its emergency listener. A
// configured dictionary file must exist. In boot mode a node that cannot
// report its identity is still accepted.
func (f *Factory) Build(net network.Network, h *transceiver.Handle, spec network.DeviceSpec) (network.Device, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "device", "node", spec.Node)
	if spec.DictionaryPath != "" {
		if _, err := os.Stat(spec.DictionaryPath); err != nil {
			return nil, fmt.Errorf("device: dictionary: %w", err)
		}
	}
	s := &Servo{
		net:     net,
		node:    spec.Node,
		spec:    spec,
		timeout: f.SDOTimeout,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	id, err := readIdentity(canopen.NewSDOClient(h.Bus, h.Mux, spec.Node, f.SDOTimeout))
	switch {
	case err == nil:
		s.identity = id
	case spec.BootMode:
		logger.Warn("identity unavailable in boot mode", "error", err)
	default:
		return nil, fmt.Errorf("device: read identity: %w", err)
	}
	go s.listen()
	logger.Info("device ready", "vendor", s.identity.Vendor, "product", s.identity.Product, "serial", s.identity.Serial)
	return s, nil
}

func readIdentity(c *canopen.SDOClient) (Identity, error) {
	var id Identity
	for i, dst := range []*uint32{&id.Vendor, &id.Product, &id.Revision, &id.Serial} {
		v, err := c.ReadU32(identityIndex, uint8(i+1))
		if err != nil {
			return Identity{}, err
		}
		*dst = v
	}
	return id, nil
}
