// Package pio provides raw x86 I/O port access. The passthrough device
// model uses it to drive the legacy PCI configuration mechanism's
// address/data port pair on the host.
package pio

import "errors"

// ErrUnsupported is returned when the platform offers no port I/O access.
var ErrUnsupported = errors.New("port I/O unsupported on this platform")

// Ports performs reads and writes against x86 I/O port space. The access
// width is len(data) and must be 1, 2 or 4; data is little-endian.
//
// Implementations are not required to serialize callers; the PCI config
// accessor holds its own lock across multi-port sequences.
type Ports interface {
	Read(port uint16, data []byte) error
	Write(port uint16, data []byte) error
}
