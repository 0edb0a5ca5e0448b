// Package discovery finds the CANopen nodes attached to a bus.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/notnil/canlink/canbus"
	"github.com/notnil/canlink/canopen"
	"github.com/notnil/canlink/transceiver"
)

// ErrNoHandle is returned when Scan is called without an open handle.
var ErrNoHandle = errors.New("discovery: no open handle")

// probeIndex is the device type object every CANopen node implements.
const probeIndex = 0x1000

// Scanner probes node ids 1..127 and collects whoever answers.
type Scanner struct {
	logger *slog.Logger

	mu   sync.Mutex
	last []canopen.NodeID
}

// New returns a Scanner logging to logger, or slog.Default when nil.
func New(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{logger: logger.With("component", "discovery")}
}

// Scan probes every node id with an SDO upload of 0x1000:00 and returns the
// ids of nodes that produced an SDO response or an error control frame, in
// first-response order without duplicates. After the last probe it keeps
// listening for settle.
//
// A send failure mid-scan resets the receive buffer and returns what was
// collected so far with a nil error. Cancelling ctx returns the partial
// result together with ctx.Err().
func (s *Scanner) Scan(ctx context.Context, h *transceiver.Handle, settle time.Duration) ([]canopen.NodeID, error) {
	if h == nil {
		return nil, ErrNoHandle
	}
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()

	filter := canbus.And(canbus.DataOnly(), canbus.Or(canopen.SDOResponseAny(), canopen.ErrorControlAny()))
	frames, cancel := h.Mux.Subscribe(filter, 512)
	defer cancel()

	var (
		found []canopen.NodeID
		seen  = make(map[canopen.NodeID]bool)
	)
	record := func(f canbus.Frame) {
		_, node, err := canopen.ParseCOBID(f.ID)
		if err != nil || seen[node] {
			return
		}
		seen[node] = true
		found = append(found, node)
	}
	drain := func() {
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					return
				}
				record(f)
			default:
				return
			}
		}
	}
	finish := func(err error) ([]canopen.NodeID, error) {
		drain()
		s.mu.Lock()
		s.last = append([]canopen.NodeID(nil), found...)
		s.mu.Unlock()
		s.logger.Debug("scan finished", "found", len(found), "error", err)
		return found, err
	}

	for id := canopen.NodeID(1); id <= canopen.MaxNodeID; id++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		req, err := canopen.SDOUploadRequest(id, probeIndex, 0)
		if err != nil {
			return finish(err)
		}
		if err := h.Bus.Send(req); err != nil {
			s.logger.Warn("bus fault during scan, returning partial result", "node", id, "error", err)
			if rerr := h.ResetReceiveBuffer(); rerr != nil {
				s.logger.Warn("receive buffer reset failed", "error", rerr)
			}
			return finish(nil)
		}
		drain()
	}

	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return finish(nil)
			}
			record(f)
		case <-timer.C:
			return finish(nil)
		case <-ctx.Done():
			return finish(ctx.Err())
		}
	}
}

// Last returns the result of the most recent scan.
func (s *Scanner) Last() []canopen.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]canopen.NodeID(nil), s.last...)
}
