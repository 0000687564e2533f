//go:build !linux

package pio

// DevPorts is only available on Linux.
type DevPorts struct{}

func OpenDevPorts() (*DevPorts, error) {
	return nil, ErrUnsupported
}

func (p *DevPorts) Read(port uint16, data []byte) error  { return ErrUnsupported }
func (p *DevPorts) Write(port uint16, data []byte) error { return ErrUnsupported }
func (p *DevPorts) Close() error                         { return nil }

var _ Ports = (*DevPorts)(nil)
