package ioport

import (
	"os"

	"golang.org/x/sys/unix"
)

// DevPort implements PortIO on a hosted Linux development machine by
// pread/pwrite-ing /dev/port, the same mechanism tools such as setpci(8)
// use from userspace. It exists so the PCI probe and UHCI driver can be
// exercised against real hardware I/O ports without requiring this
// module to be linked into the bare-metal kernel image — cmd/usbhostd
// uses it for development runs with elevated privileges.
type DevPort struct {
	f *os.File
}

// OpenDevPort opens /dev/port for port I/O. The calling process must hold
// CAP_SYS_RAWIO (or run as root) and iopl(3) permissions are not required
// since /dev/port mediates access on its behalf.
func OpenDevPort() (*DevPort, error) {
	f, err := os.OpenFile("/dev/port", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &DevPort{f: f}, nil
}

// Close releases the underlying file descriptor.
func (d *DevPort) Close() error {
	return d.f.Close()
}

func (d *DevPort) pread(port uint16, buf []byte) {
	if _, err := unix.Pread(int(d.f.Fd()), buf, int64(port)); err != nil {
		panic(err)
	}
}

func (d *DevPort) pwrite(port uint16, buf []byte) {
	if _, err := unix.Pwrite(int(d.f.Fd()), buf, int64(port)); err != nil {
		panic(err)
	}
}

// In8 reads a byte from the given I/O port.
func (d *DevPort) In8(port uint16) uint8 {
	var buf [1]byte
	d.pread(port, buf[:])
	return buf[0]
}

// Out8 writes a byte to the given I/O port.
func (d *DevPort) Out8(port uint16, val uint8) {
	d.pwrite(port, []byte{val})
}

// In16 reads a little-endian word from the given I/O port.
func (d *DevPort) In16(port uint16) uint16 {
	var buf [2]byte
	d.pread(port, buf[:])
	return uint16(buf[0]) | uint16(buf[1])<<8
}

// Out16 writes a little-endian word to the given I/O port.
func (d *DevPort) Out16(port uint16, val uint16) {
	d.pwrite(port, []byte{byte(val), byte(val >> 8)})
}

// In32 reads a little-endian dword from the given I/O port.
func (d *DevPort) In32(port uint16) uint32 {
	var buf [4]byte
	d.pread(port, buf[:])
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// Out32 writes a little-endian dword to the given I/O port.
func (d *DevPort) Out32(port uint16, val uint32) {
	d.pwrite(port, []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)})
}
