// Package vpci implements a virtual PCI passthrough device model: guests
// see a configuration-space image whose BAR registers are emulated (so the
// device can be relocated in guest-physical space) while every other
// register is forwarded to the physical function. Device attach ties the
// function into the owning VM's IOMMU translation domain.
package vpci

import (
	"errors"

	"github.com/virtforge/vpci/internal/config"
	"github.com/virtforge/vpci/internal/devices/pci"
	"github.com/virtforge/vpci/internal/hv"
	"github.com/virtforge/vpci/internal/iommu"
	"github.com/virtforge/vpci/internal/pio"
)

// -----------------------------------------------------------------------------
// Type aliases - re-exported from the internal packages
// -----------------------------------------------------------------------------

// BDF identifies one physical PCI function.
type BDF = pci.BDF

// BAR describes one base-address-register slot.
type BAR = pci.BAR

// Bus is the guest-facing virtual PCI bus and the VM context passthrough
// devices attach to.
type Bus = pci.Bus

// BusConfig configures a Bus.
type BusConfig = pci.BusConfig

// DeviceOps is the per-device operation table the bus dispatches through.
type DeviceOps = pci.DeviceOps

// PassthroughDevice exposes a physical function to a guest.
type PassthroughDevice = pci.PassthroughDevice

// Topology is the passthrough binding description for one VM.
type Topology = config.Topology

// Ports performs raw x86 I/O port access.
type Ports = pio.Ports

// MemoryMapper manages guest-physical to host-physical translations.
type MemoryMapper = hv.MemoryMapper

// DomainAllocator creates IOMMU translation domains.
type DomainAllocator = iommu.Allocator

// Common sentinel errors.
var (
	ErrInvalidBARType  = pci.ErrInvalidBARType
	ErrUnalignedAccess = pci.ErrUnalignedAccess
	ErrPortIO          = pio.ErrUnsupported
)

// ParseBDF parses a "bus:device.function" address.
func ParseBDF(s string) (BDF, error) { return pci.ParseBDF(s) }

// LoadTopology reads and parses a topology file.
func LoadTopology(path string) (*Topology, error) { return config.Load(path) }

// ParseTopology parses a topology document.
func ParseTopology(data []byte) (*Topology, error) { return config.Parse(data) }

// -----------------------------------------------------------------------------
// Assembly
// -----------------------------------------------------------------------------

// BuildConfig supplies the collaborators a passthrough bus needs.
type BuildConfig struct {
	// Ports drives the host's configuration ports. Required.
	Ports pio.Ports

	// Mapper receives BAR mapping updates. Defaults to an in-process
	// mapping table.
	Mapper hv.MemoryMapper

	// Domains allocates IOMMU domains. Defaults to an in-process tracker.
	Domains iommu.Allocator

	// AllocPageTableRoot allocates the VM's second-level page-table root
	// on first device attach. Required.
	AllocPageTableRoot func() (uint64, error)
}

// Build assembles a Bus with one passthrough device per topology entry and
// attaches them all. The topology is validated first; nothing is attached
// on a validation failure.
func Build(topology *Topology, cfg BuildConfig) (*Bus, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	if cfg.Ports == nil {
		return nil, errors.New("vpci: port I/O backend required")
	}

	mapper := cfg.Mapper
	if mapper == nil {
		mapper = hv.NewMappingTable()
	}
	domains := cfg.Domains
	if domains == nil {
		domains = iommu.NewTrackingAllocator()
	}

	bus, err := pci.NewBus(pci.BusConfig{
		VMID:               topology.VMID,
		Mapper:             mapper,
		Domains:            domains,
		AllocPageTableRoot: cfg.AllocPageTableRoot,
	})
	if err != nil {
		return nil, err
	}

	for i := range topology.Devices {
		entry := &topology.Devices[i]
		bdf, err := entry.BDF()
		if err != nil {
			return nil, err
		}
		layout, err := entry.BARLayout()
		if err != nil {
			return nil, err
		}

		pdev := pci.NewPhysicalDevice(bdf, cfg.Ports)
		dev := pci.NewPassthroughDevice(bus, pdev, layout)
		for idx, base := range entry.GuestBases() {
			if base == 0 {
				continue
			}
			if err := dev.SetGuestBAR(idx, base); err != nil {
				return nil, err
			}
		}
		if err := bus.RegisterDevice(entry.Slot, entry.Function, dev); err != nil {
			return nil, err
		}
	}

	if err := bus.InitDevices(); err != nil {
		return nil, err
	}
	return bus, nil
}
