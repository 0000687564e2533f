package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/virtforge/vpci/internal/pio"
)

// configPortsMu serializes every address-then-data sequence on the
// configuration ports. The address and data ports are one piece of global
// hardware state shared by every physical device on the host; two
// interleaved sequences would corrupt both accesses.
var configPortsMu sync.Mutex

// PhysicalDevice performs configuration-space accesses against one
// physical PCI function through the legacy address/data port mechanism.
type PhysicalDevice struct {
	bdf   BDF
	ports pio.Ports
}

// NewPhysicalDevice binds a BDF to a port I/O backend.
func NewPhysicalDevice(bdf BDF, ports pio.Ports) *PhysicalDevice {
	return &PhysicalDevice{bdf: bdf, ports: ports}
}

// BDF returns the function's bus/device/function identity.
func (d *PhysicalDevice) BDF() BDF { return d.bdf }

func (d *PhysicalDevice) configAddress(offset uint16) uint32 {
	return uint32(d.bdf)<<8 | (uint32(offset) | configEnable)
}

// dataPort selects the data-port window for an access: byte accesses use
// the byte lane offset&3, word accesses the halfword lane offset&2, dword
// accesses the full window.
func dataPort(offset uint16, size uint8) uint16 {
	switch size {
	case 1:
		return ConfigDataPort + (offset & 3)
	case 2:
		return ConfigDataPort + (offset & 2)
	default:
		return ConfigDataPort
	}
}

func checkAccessWidth(size uint8) error {
	switch size {
	case 1, 2, 4:
		return nil
	default:
		return fmt.Errorf("invalid config access width %d", size)
	}
}

// ReadConfig reads size bytes (1, 2 or 4) from the function's config space.
func (d *PhysicalDevice) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkAccessWidth(size); err != nil {
		return 0, err
	}

	configPortsMu.Lock()
	defer configPortsMu.Unlock()

	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], d.configAddress(offset))
	if err := d.ports.Write(ConfigAddressPort, addr[:]); err != nil {
		return 0, fmt.Errorf("%s: config address write: %w", d.bdf, err)
	}

	var buf [4]byte
	data := buf[:size]
	if err := d.ports.Read(dataPort(offset, size), data); err != nil {
		return 0, fmt.Errorf("%s: config data read at 0x%x: %w", d.bdf, offset, err)
	}

	switch size {
	case 1:
		return uint32(data[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(data)), nil
	default:
		return binary.LittleEndian.Uint32(data), nil
	}
}

// WriteConfig writes size bytes (1, 2 or 4) to the function's config space.
func (d *PhysicalDevice) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkAccessWidth(size); err != nil {
		return err
	}

	configPortsMu.Lock()
	defer configPortsMu.Unlock()

	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], d.configAddress(offset))
	if err := d.ports.Write(ConfigAddressPort, addr[:]); err != nil {
		return fmt.Errorf("%s: config address write: %w", d.bdf, err)
	}

	var buf [4]byte
	data := buf[:size]
	switch size {
	case 1:
		data[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	default:
		binary.LittleEndian.PutUint32(data, value)
	}
	if err := d.ports.Write(dataPort(offset, size), data); err != nil {
		return fmt.Errorf("%s: config data write at 0x%x: %w", d.bdf, offset, err)
	}
	return nil
}
