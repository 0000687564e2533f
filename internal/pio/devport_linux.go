//go:build linux

package pio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const devPortPath = "/dev/port"

// DevPorts accesses I/O port space through /dev/port, where the kernel
// maps byte offsets onto port numbers. Requires CAP_SYS_RAWIO.
type DevPorts struct {
	fd int
}

// OpenDevPorts opens the host's /dev/port device.
func OpenDevPorts() (*DevPorts, error) {
	fd, err := unix.Open(devPortPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPortPath, err)
	}
	return &DevPorts{fd: fd}, nil
}

// Read implements Ports.
func (p *DevPorts) Read(port uint16, data []byte) error {
	if err := checkWidth(data); err != nil {
		return err
	}
	n, err := unix.Pread(p.fd, data, int64(port))
	if err != nil {
		return fmt.Errorf("read port 0x%x: %w", port, err)
	}
	if n != len(data) {
		return fmt.Errorf("read port 0x%x: short read (%d of %d)", port, n, len(data))
	}
	return nil
}

// Write implements Ports.
func (p *DevPorts) Write(port uint16, data []byte) error {
	if err := checkWidth(data); err != nil {
		return err
	}
	n, err := unix.Pwrite(p.fd, data, int64(port))
	if err != nil {
		return fmt.Errorf("write port 0x%x: %w", port, err)
	}
	if n != len(data) {
		return fmt.Errorf("write port 0x%x: short write (%d of %d)", port, n, len(data))
	}
	return nil
}

// Close releases the /dev/port file descriptor.
func (p *DevPorts) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

func checkWidth(data []byte) error {
	switch len(data) {
	case 1, 2, 4:
		return nil
	default:
		return fmt.Errorf("invalid port access width %d", len(data))
	}
}

var _ Ports = (*DevPorts)(nil)
