//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"
)

// Linux network interface helpers. Bringing interfaces up/down and changing
// the bit rate requires CAP_NET_ADMIN; without it the kernel returns EPERM.

const (
	ifNameSize   = 16     // IFNAMSIZ
	siocGIFFlags = 0x8913 // SIOCGIFFLAGS
	siocSIFFlags = 0x8914 // SIOCSIFFLAGS
	iffUp        = 0x1    // IFF_UP
)

// ifreqFlags mirrors struct ifreq for the flags variant: 16 byte name, a
// short, padding up to 40 bytes.
type ifreqFlags struct {
	Name  [ifNameSize]byte
	Flags uint16
	pad   [22]byte
}

func checkIfName(name string) error {
	if len(name) == 0 || len(name) >= ifNameSize {
		return fmt.Errorf("canbus: invalid interface name %q", name)
	}
	return nil
}

func ifFlagsIoctl(name string, req uintptr, flags uint16) (uint16, error) {
	if err := checkIfName(name); err != nil {
		return 0, err
	}
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer syscall.Close(fd)
	var ifr ifreqFlags
	copy(ifr.Name[:], name)
	ifr.Flags = flags
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		return 0, errno
	}
	return ifr.Flags, nil
}

// IsInterfaceUp reports whether the interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	flags, err := ifFlagsIoctl(name, siocGIFFlags, 0)
	if err != nil {
		return false, err
	}
	return flags&iffUp != 0, nil
}

func setInterfaceUp(name string, up bool) error {
	flags, err := ifFlagsIoctl(name, siocGIFFlags, 0)
	if err != nil {
		return err
	}
	want := flags &^ iffUp
	if up {
		want = flags | iffUp
	}
	if want == flags {
		return nil
	}
	_, err = ifFlagsIoctl(name, siocSIFFlags, want)
	return requireNetAdmin(err)
}

// SetInterfaceUp sets IFF_UP on the given interface.
func SetInterfaceUp(name string) error { return setInterfaceUp(name, true) }

// SetInterfaceDown clears IFF_UP on the given interface.
func SetInterfaceDown(name string) error { return setInterfaceUp(name, false) }

func requireNetAdmin(err error) error {
	if errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("canbus: operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

// SetInterfaceBitrate takes the interface down, applies the arbitration bit
// rate through iproute2 and brings it back up.
func SetInterfaceBitrate(name string, bitrate int) error {
	if err := checkIfName(name); err != nil {
		return err
	}
	if err := SetInterfaceDown(name); err != nil {
		return err
	}
	cmd := exec.Command("ip", "link", "set", "dev", name, "type", "can", "bitrate", strconv.Itoa(bitrate))
	if out, err := cmd.CombinedOutput(); err != nil {
		return requireNetAdmin(fmt.Errorf("canbus: ip link set bitrate: %w; output: %s", err, out))
	}
	return SetInterfaceUp(name)
}
