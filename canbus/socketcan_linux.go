//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
	"unsafe"
)

const (
	afCAN  = 29
	canRaw = 1

	pollInterval = time.Millisecond
)

// socketCAN implements Bus over Linux SocketCAN using raw syscalls only.
type socketCAN struct {
	fd     int
	file   *os.File
	closed chan struct{}
}

// DialSocketCAN opens a raw CAN socket bound to the given interface name
// (e.g. "can0"). Errors are returned unwrapped so callers can inspect the
// errno: EAFNOSUPPORT means the can/can_raw modules are not loaded.
func DialSocketCAN(iface string) (Bus, error) {
	fd, err := syscall.Socket(afCAN, syscall.SOCK_RAW, canRaw)
	if err != nil {
		return nil, err
	}

	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	// Memory layout of struct sockaddr_can for bind(2).
	type sockaddrCAN struct {
		Family  uint16
		_pad    uint16
		Ifindex int32
		Addr    [8]byte
	}
	sa := sockaddrCAN{Family: afCAN, Ifindex: int32(netIf.Index)}
	_, _, e := syscall.Syscall(syscall.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if e != 0 {
		syscall.Close(fd)
		return nil, e
	}

	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "socketcan:"+iface)
	return &socketCAN{fd: fd, file: f, closed: make(chan struct{})}, nil
}

func (s *socketCAN) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *socketCAN) Close() error {
	if s.isClosed() {
		return nil
	}
	close(s.closed)
	return s.file.Close()
}

// Send writes one frame using the Linux can_frame binary layout.
func (s *socketCAN) Send(frame Frame) error {
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		if s.isClosed() {
			return ErrClosed
		}
		n, werr := syscall.Write(s.fd, buf)
		switch {
		case werr == nil:
			if n != len(buf) {
				return errors.New("canbus: short write")
			}
			return nil
		case werr == syscall.EAGAIN:
			time.Sleep(pollInterval)
		case werr == syscall.ENOBUFS || werr == syscall.ENETDOWN:
			return fmt.Errorf("%w: %v", ErrBusFault, werr)
		default:
			return werr
		}
	}
}

// Receive polls the non-blocking socket until a frame arrives or the bus is
// closed.
func (s *socketCAN) Receive() (Frame, error) {
	buf := make([]byte, 16)
	for {
		if s.isClosed() {
			return Frame{}, ErrClosed
		}
		n, rerr := syscall.Read(s.fd, buf)
		switch {
		case rerr == nil:
			if n != len(buf) {
				return Frame{}, errors.New("canbus: short read")
			}
			var f Frame
			if err := f.UnmarshalBinary(buf); err != nil {
				return Frame{}, err
			}
			return f, nil
		case rerr == syscall.EAGAIN:
			time.Sleep(pollInterval)
		case rerr == syscall.EBADF:
			return Frame{}, ErrClosed
		default:
			return Frame{}, rerr
		}
	}
}

// ResetReceiveBuffer reads and discards everything queued in the socket.
func (s *socketCAN) ResetReceiveBuffer() error {
	buf := make([]byte, 16)
	for {
		if s.isClosed() {
			return ErrClosed
		}
		_, rerr := syscall.Read(s.fd, buf)
		if rerr == syscall.EAGAIN {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
