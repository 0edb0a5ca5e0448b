package lss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notnil/canlink/canopen"
)

// DefaultSettle is the pause after each configuration step.
const DefaultSettle = 100 * time.Millisecond

// Target names the node to reconfigure and what to change. Zero NewNode or
// NewBitrate keeps the current value. A zero CurrentNode is inquired from the
// node once it is selected.
type Target struct {
	Address     Address
	CurrentNode canopen.NodeID
	NewNode     canopen.NodeID
	NewBitrate  int
}

// Validate checks the optional fields that are set.
func (t Target) Validate() error {
	if t.CurrentNode != 0 {
		if err := t.CurrentNode.Validate(); err != nil {
			return fmt.Errorf("lss: current node: %w", err)
		}
	}
	if t.NewNode != 0 {
		if err := t.NewNode.Validate(); err != nil {
			return fmt.Errorf("lss: new node: %w", err)
		}
	}
	if t.NewBitrate != 0 {
		if _, err := canopen.BitTimingIndex(t.NewBitrate); err != nil {
			return err
		}
	}
	return nil
}

// Outcome describes a finished run.
type Outcome struct {
	// Committed is true when every step was acknowledged and the node was
	// told to reset.
	Committed bool
	// PreviousNode is the node id the reset was addressed to.
	PreviousNode canopen.NodeID
	// Node is the id the node will come back with.
	Node canopen.NodeID
}

// Reconfigure runs the full sequence against the node at t.Address: select
// it, apply the new bit timing and node id with a settle pause after each,
// store, return every slave to WAITING and reset the node's communication.
//
// If no node answers the selection the run ends with a false outcome, a nil
// error and nothing else sent. A selection that fails for another reason, and
// any later failure, still switches the bus back
// to WAITING and is returned with a false outcome.
func Reconfigure(ctx context.Context, m *Master, t Target, settle time.Duration) (Outcome, error) {
	if err := t.Validate(); err != nil {
		return Outcome{}, err
	}
	if settle < 0 {
		settle = 0
	}
	if err := m.SwitchStateSelective(ctx, t.Address); err != nil {
		if errors.Is(err, ErrNoResponse) {
			m.logger.Info("no node matched identity", "address", t.Address)
			return Outcome{}, nil
		}
		// the selection may have reached a slave before the failure
		if gerr := m.SwitchStateGlobal(canopen.LSSModeWaiting); gerr != nil {
			m.logger.Debug("switch to waiting after failed selection", "error", gerr)
		}
		return Outcome{}, fmt.Errorf("lss: select %s: %w", t.Address, err)
	}

	out, err := configureSelected(ctx, m, t, settle)
	if gerr := m.SwitchStateGlobal(canopen.LSSModeWaiting); gerr != nil && err == nil {
		err = fmt.Errorf("lss: switch to waiting: %w", gerr)
	}
	if err != nil {
		m.logger.Warn("reconfiguration aborted", "address", t.Address, "error", err)
		return Outcome{PreviousNode: out.PreviousNode, Node: out.PreviousNode}, err
	}
	if err := m.ResetCommunication(out.PreviousNode); err != nil {
		return Outcome{PreviousNode: out.PreviousNode, Node: out.PreviousNode}, fmt.Errorf("lss: reset communication: %w", err)
	}
	out.Committed = true
	m.logger.Info("node reconfigured", "address", t.Address, "from", out.PreviousNode, "to", out.Node, "bitrate", t.NewBitrate)
	return out, nil
}

func configureSelected(ctx context.Context, m *Master, t Target, settle time.Duration) (Outcome, error) {
	out := Outcome{PreviousNode: t.CurrentNode}
	if out.PreviousNode == 0 {
		id, err := m.InquireNodeID(ctx)
		if err != nil {
			return out, fmt.Errorf("lss: inquire node id: %w", err)
		}
		if id.Validate() != nil {
			return out, fmt.Errorf("lss: node reports no active node id (0x%02X)", uint8(id))
		}
		out.PreviousNode = id
	}
	out.Node = out.PreviousNode

	if t.NewBitrate != 0 {
		if err := m.ConfigureBitTiming(ctx, t.NewBitrate); err != nil {
			return out, fmt.Errorf("lss: configure bit timing: %w", err)
		}
		if err := sleep(ctx, settle); err != nil {
			return out, err
		}
	}
	if t.NewNode != 0 {
		if err := m.ConfigureNodeID(ctx, t.NewNode); err != nil {
			return out, fmt.Errorf("lss: configure node id: %w", err)
		}
		out.Node = t.NewNode
		if err := sleep(ctx, settle); err != nil {
			return out, err
		}
	}
	if err := m.StoreConfiguration(ctx); err != nil {
		return out, fmt.Errorf("lss: store configuration: %w", err)
	}
	return out, sleep(ctx, settle)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
