package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/virtforge/vpci/internal/hv"
	"github.com/virtforge/vpci/internal/iommu"
)

// domainAddressWidth is the guest address width IOMMU domains are created
// with.
const domainAddressWidth = 48

// Bus is the guest-facing virtual PCI bus: it decodes the legacy
// 0xCF8/0xCFC configuration mechanism and routes each access to the
// operation table bound at the addressed slot. Only bus 0 is populated;
// accesses elsewhere read all-ones.
//
// The Bus also carries the VM context passthrough devices back-reference:
// the VM's identity, its lazily allocated second-level page-table root,
// the memory mapper and the VM's IOMMU domain. Devices hold the Bus as a
// plain reference; its lifetime belongs to the VM.
//
// Configuration dispatch assumes the caller serializes accesses, as a
// vCPU trap handler does; registration may race with nothing.
type Bus struct {
	vmID    uint32
	mapper  hv.MemoryMapper
	domains iommu.Allocator

	allocPageTableRoot func() (uint64, error)

	domainMu      sync.Mutex
	pageTableRoot uint64
	domain        iommu.Domain

	address uint32 // latched config address
	devices map[uint8]DeviceOps
}

// BusConfig describes the VM context a Bus dispatches for.
type BusConfig struct {
	VMID    uint32
	Mapper  hv.MemoryMapper
	Domains iommu.Allocator

	// AllocPageTableRoot allocates the VM's second-level page-table root
	// the first time a passthrough device attaches. Required before any
	// device Init can succeed.
	AllocPageTableRoot func() (uint64, error)
}

// NewBus constructs a virtual PCI bus for one VM.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Mapper == nil {
		return nil, errors.New("pci bus requires a memory mapper")
	}
	if cfg.Domains == nil {
		return nil, errors.New("pci bus requires an IOMMU domain allocator")
	}
	return &Bus{
		vmID:               cfg.VMID,
		mapper:             cfg.Mapper,
		domains:            cfg.Domains,
		allocPageTableRoot: cfg.AllocPageTableRoot,
		devices:            make(map[uint8]DeviceOps),
	}, nil
}

// VMID returns the owning VM's identity.
func (b *Bus) VMID() uint32 { return b.vmID }

// Mapper returns the VM's second-level memory mapper.
func (b *Bus) Mapper() hv.MemoryMapper { return b.mapper }

// PageTableRoot returns the VM's page-table root, 0 if not yet allocated.
func (b *Bus) PageTableRoot() uint64 {
	b.domainMu.Lock()
	defer b.domainMu.Unlock()
	return b.pageTableRoot
}

// Domain returns the VM's IOMMU domain, nil if no device has attached yet.
func (b *Bus) Domain() iommu.Domain {
	b.domainMu.Lock()
	defer b.domainMu.Unlock()
	return b.domain
}

// ensureDomain returns the VM's IOMMU domain, creating it (and the
// page-table root it translates) on first use.
func (b *Bus) ensureDomain() (iommu.Domain, error) {
	b.domainMu.Lock()
	defer b.domainMu.Unlock()

	if b.domain != nil {
		return b.domain, nil
	}
	if b.pageTableRoot == 0 {
		if b.allocPageTableRoot == nil {
			return nil, errors.New("VM has no page-table root allocator")
		}
		root, err := b.allocPageTableRoot()
		if err != nil {
			return nil, fmt.Errorf("allocate page-table root: %w", err)
		}
		if root == 0 {
			return nil, errors.New("page-table root allocator returned 0")
		}
		b.pageTableRoot = root
	}
	domain, err := b.domains.CreateDomain(b.vmID, b.pageTableRoot, domainAddressWidth)
	if err != nil {
		return nil, fmt.Errorf("create IOMMU domain: %w", err)
	}
	b.domain = domain
	return domain, nil
}

// RegisterDevice binds an operation table at device/function on bus 0.
func (b *Bus) RegisterDevice(device, function uint8, ops DeviceOps) error {
	if ops == nil {
		return errors.New("device operations cannot be nil")
	}
	if device > 0x1f || function > 7 {
		return fmt.Errorf("slot %02x.%x out of range", device, function)
	}
	devfn := device<<3 | function
	if _, occupied := b.devices[devfn]; occupied {
		return fmt.Errorf("slot %02x.%x already occupied", device, function)
	}
	b.devices[devfn] = ops
	return nil
}

// InitDevices runs Init on every registered device in slot order, stopping
// at the first failure.
func (b *Bus) InitDevices() error {
	for _, devfn := range b.sortedSlots() {
		if err := b.devices[devfn].Init(); err != nil {
			return fmt.Errorf("init slot %02x.%x: %w", devfn>>3, devfn&0x7, err)
		}
	}
	return nil
}

// DeinitDevices runs Deinit on every registered device. All devices are
// attempted; failures are joined.
func (b *Bus) DeinitDevices() error {
	var errs []error
	for _, devfn := range b.sortedSlots() {
		if err := b.devices[devfn].Deinit(); err != nil {
			errs = append(errs, fmt.Errorf("deinit slot %02x.%x: %w", devfn>>3, devfn&0x7, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) sortedSlots() []uint8 {
	slots := make([]uint8, 0, len(b.devices))
	for devfn := range b.devices {
		slots = append(slots, devfn)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// IOPorts implements hv.IOPortDevice.
func (b *Bus) IOPorts() []uint16 {
	return []uint16{
		0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
		0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
	}
}

// ReadIOPort implements hv.IOPortDevice.
func (b *Bus) ReadIOPort(port uint16, data []byte) error {
	switch {
	case port == ConfigAddressPort && len(data) == 4:
		binary.LittleEndian.PutUint32(data, b.address)
	case port >= ConfigDataPort && port < ConfigDataPort+4:
		b.configDataRead(port, data)
	default:
		fillOnes(data)
	}
	return nil
}

// WriteIOPort implements hv.IOPortDevice.
func (b *Bus) WriteIOPort(port uint16, data []byte) error {
	switch {
	case port == ConfigAddressPort && len(data) == 4:
		b.address = binary.LittleEndian.Uint32(data)
	case port >= ConfigDataPort && port < ConfigDataPort+4:
		b.configDataWrite(port, data)
	}
	// Sub-dword address port writes and accesses outside the mechanism's
	// window are dropped.
	return nil
}

// decodeAddress splits the latched config address. The register offset is
// the address's dword-aligned register field plus the data-port byte lane.
func (b *Bus) decodeAddress(port uint16) (ops DeviceOps, offset uint16, ok bool) {
	if b.address&configEnable == 0 {
		return nil, 0, false
	}
	busNum := uint8(b.address >> 16)
	if busNum != 0 {
		return nil, 0, false
	}
	devfn := uint8(b.address >> 8)
	ops, bound := b.devices[devfn]
	if !bound {
		return nil, 0, false
	}
	offset = uint16(b.address&0xfc) + (port - ConfigDataPort)
	return ops, offset, true
}

func (b *Bus) configDataRead(port uint16, data []byte) {
	ops, offset, ok := b.decodeAddress(port)
	if !ok {
		fillOnes(data)
		return
	}
	value, err := ops.ConfigRead(offset, uint8(len(data)))
	if err != nil {
		// Errors still carry the value the guest should observe
		// (all-ones for malformed accesses).
		storeLittleEndian(data, value)
		return
	}
	storeLittleEndian(data, value)
}

func (b *Bus) configDataWrite(port uint16, data []byte) {
	ops, offset, ok := b.decodeAddress(port)
	if !ok {
		return
	}
	// A rejected write has no side effect; the bus drops it silently.
	_ = ops.ConfigWrite(offset, uint8(len(data)), littleEndianValue(data))
}

func fillOnes(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}

func littleEndianValue(data []byte) uint32 {
	var value uint32
	for i, b := range data {
		value |= uint32(b) << (8 * i)
	}
	return value
}

func storeLittleEndian(data []byte, value uint32) {
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
}

var _ hv.IOPortDevice = (*Bus)(nil)
