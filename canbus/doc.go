// Package canbus provides core types for working with a Controller Area
// Network in Go.
//
// It includes:
//   - A Frame type with validation and SocketCAN binary marshaling
//   - The Bus interface implemented by every transceiver
//   - An in-memory loopback bus for tests and simulations
//   - A Mux fanning received frames out to filtered subscribers
//   - A slog-based tracing decorator
//   - A Linux SocketCAN driver and interface helpers via raw syscalls
package canbus
