// Package pci implements the passthrough device model of the virtual PCI
// layer: BAR registers are emulated so the guest can relocate the device
// in its own address space, while every other configuration register is
// forwarded to the physical function.
package pci

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Legacy configuration mechanism #1 ports.
const (
	ConfigAddressPort uint16 = 0x0cf8
	ConfigDataPort    uint16 = 0x0cfc
)

// configEnable gates decoding of a latched configuration address.
const configEnable uint32 = 0x8000_0000

// Type 0 header registers.
const (
	CommandRegister uint16 = 0x04

	bar0Offset uint16 = 0x10
	barStride  uint16 = 4

	// BARCount is the number of BAR slots in a type 0 header.
	BARCount = 6

	configSpaceSize = 256
)

// Command register bits.
const (
	CommandIOEnable  uint32 = 0x0001
	CommandMemEnable uint32 = 0x0002
)

// barProbeValue is the sentinel guests write to size a BAR; it must never
// trigger a remap.
const barProbeValue uint32 = 0xffff_ffff

const allOnes uint32 = 0xffff_ffff

var (
	// ErrInvalidBARType fails device attach before any IOMMU or mapping
	// state is touched.
	ErrInvalidBARType = errors.New("passthrough BARs must be 32-bit memory")

	// ErrUnalignedAccess signals a config access whose offset is not a
	// multiple of its width.
	ErrUnalignedAccess = errors.New("unaligned config space access")
)

// BDF identifies one physical PCI function: bus in the high byte, devfn
// (device << 3 | function) in the low byte. Immutable once bound to a
// virtual device.
type BDF uint16

// NewBDF builds a BDF from its components.
func NewBDF(bus, device, function uint8) BDF {
	return BDF(uint16(bus)<<8 | uint16(device&0x1f)<<3 | uint16(function&0x7))
}

func (b BDF) Bus() uint8      { return uint8(b >> 8) }
func (b BDF) Devfn() uint8    { return uint8(b) }
func (b BDF) Device() uint8   { return uint8(b>>3) & 0x1f }
func (b BDF) Function() uint8 { return uint8(b) & 0x7 }

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus(), b.Device(), b.Function())
}

// ParseBDF parses "bus:device.function" with an optional leading segment
// ("0000:00:02.0" or "00:02.0"). Only segment 0 is addressable through the
// legacy configuration mechanism.
func ParseBDF(s string) (BDF, error) {
	parts := strings.Split(s, ":")
	if len(parts) == 3 {
		segment, err := strconv.ParseUint(parts[0], 16, 16)
		if err != nil || segment != 0 {
			return 0, fmt.Errorf("invalid PCI address %q: only segment 0000 is supported", s)
		}
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid PCI address %q", s)
	}

	bus, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid PCI bus in %q", s)
	}
	devFn := strings.Split(parts[1], ".")
	if len(devFn) != 2 {
		return 0, fmt.Errorf("invalid PCI address %q", s)
	}
	device, err := strconv.ParseUint(devFn[0], 16, 8)
	if err != nil || device > 0x1f {
		return 0, fmt.Errorf("invalid PCI device in %q", s)
	}
	function, err := strconv.ParseUint(devFn[1], 16, 8)
	if err != nil || function > 7 {
		return 0, fmt.Errorf("invalid PCI function in %q", s)
	}
	return NewBDF(uint8(bus), uint8(device), uint8(function)), nil
}

// BARType is the decode type of a BAR slot. Passthrough supports 32-bit
// memory BARs only; the other types exist so bind-time validation can name
// what it rejected.
type BARType uint8

const (
	BARMem32 BARType = iota
	BARMem64
	BARIO
)

func (t BARType) String() string {
	switch t {
	case BARMem32:
		return "mem32"
	case BARMem64:
		return "mem64"
	case BARIO:
		return "io"
	default:
		return fmt.Sprintf("BARType(%d)", uint8(t))
	}
}

// encoding returns the low type bits the BAR register carries for t.
// A 32-bit non-prefetchable memory BAR encodes as 0b0000.
func (t BARType) encoding() uint32 {
	switch t {
	case BARIO:
		return 0x1
	case BARMem64:
		return 0x4
	default:
		return 0x0
	}
}

// BAR describes one base-address-register slot. Base 0 means unmapped.
// Size is the region length, power-of-two aligned; size 0 marks an
// unimplemented slot.
type BAR struct {
	Type BARType
	Base uint64
	Size uint64
}

// BAROffset returns the config-space register offset of BAR slot idx.
func BAROffset(idx int) uint16 {
	return bar0Offset + uint16(idx)*barStride
}

// barAccess reports whether a byte offset falls inside the BAR register
// range. Pure range membership, independent of the BAR's value.
func barAccess(offset uint16) bool {
	return offset >= bar0Offset && offset < bar0Offset+BARCount*barStride
}

func encodeBAR(base uint64, t BARType) uint32 {
	return uint32(base) | t.encoding()
}

// barBase strips the type bits from a BAR register value.
func barBase(value uint32) uint64 {
	return uint64(value &^ 0xf)
}

// ValidateBARs checks a passthrough BAR layout: every slot must be a
// 32-bit memory BAR, and implemented slots need a power-of-two size with
// a size-aligned base.
func ValidateBARs(bars [BARCount]BAR) error {
	for idx, bar := range bars {
		if bar.Type != BARMem32 {
			return fmt.Errorf("BAR %d is %s: %w", idx, bar.Type, ErrInvalidBARType)
		}
		if bar.Size == 0 {
			continue
		}
		if bar.Size&(bar.Size-1) != 0 {
			return fmt.Errorf("BAR %d size 0x%x is not a power of 2", idx, bar.Size)
		}
		if bar.Base&(bar.Size-1) != 0 {
			return fmt.Errorf("BAR %d base 0x%x not aligned to size 0x%x", idx, bar.Base, bar.Size)
		}
		if bar.Base > uint64(^uint32(0)) {
			return fmt.Errorf("BAR %d base 0x%x beyond 32-bit range", idx, bar.Base)
		}
	}
	return nil
}
