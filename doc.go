// Package canlink manages a CANopen network of servo drives.
//
// A Network opens a CAN transceiver by vendor and channel index, scans the
// bus for nodes, builds a device for each one and keeps it under node
// guarding and heartbeat monitoring. The published network state follows the
// monitors; a node that stays silent triggers an automatic bus reset. Nodes
// can be moved to a new id and bitrate over LSS.
//
// The building blocks live in subpackages:
//   - canbus: frames, the loopback bus, the receive mux and SocketCAN
//   - canopen: NMT, node guarding, heartbeat, EMCY, SDO and LSS frames
//   - transceiver: vendor channel table and bus handles
//   - guarding, discovery, lss: the CANopen master services
//   - network: the Manager tying them together
//   - device, config: servo objects and file configuration
package canlink
