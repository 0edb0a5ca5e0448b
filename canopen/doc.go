// Package canopen provides CANopen helpers on top of the canbus primitives.
//
// It covers the services a network master needs to find, supervise and
// re-address nodes:
//   - COB-ID helpers and function code mapping
//   - NMT commands, node guarding requests and error control messages
//   - Emergency (EMCY) frame encode/decode
//   - SDO expedited transfers and a synchronous client
//   - LSS (CiA 305) messages and the standard bit timing table
//
// The APIs here do not attempt to implement the full CANopen stack or
// object dictionary.
package canopen
