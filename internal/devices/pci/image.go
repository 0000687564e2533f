package pci

import "encoding/binary"

// ConfigImage is the emulated configuration-space storage backing the
// registers the device model virtualizes. It stores what was last written;
// interpretation belongs to the device model.
type ConfigImage struct {
	data [configSpaceSize]byte
}

// Read returns size bytes (1, 2 or 4) at offset, little-endian. Reads
// outside the image or with an unsupported width return all-ones, matching
// the bus convention for undecoded accesses.
func (c *ConfigImage) Read(offset uint16, size uint8) uint32 {
	if int(offset)+int(size) > configSpaceSize {
		return allOnes
	}
	switch size {
	case 1:
		return uint32(c.data[offset])
	case 2:
		return uint32(binary.LittleEndian.Uint16(c.data[offset:]))
	case 4:
		return binary.LittleEndian.Uint32(c.data[offset:])
	default:
		return allOnes
	}
}

// Write stores size bytes (1, 2 or 4) of value at offset, little-endian.
// Out-of-range or unsupported-width writes are dropped.
func (c *ConfigImage) Write(offset uint16, size uint8, value uint32) {
	if int(offset)+int(size) > configSpaceSize {
		return
	}
	switch size {
	case 1:
		c.data[offset] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(c.data[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(c.data[offset:], value)
	}
}

// ReadU32 reads the naturally aligned dword containing offset.
func (c *ConfigImage) ReadU32(offset uint16) uint32 {
	return c.Read(offset&^0x3, 4)
}

// WriteU32 writes the naturally aligned dword containing offset.
func (c *ConfigImage) WriteU32(offset uint16, value uint32) {
	c.Write(offset&^0x3, 4, value)
}
