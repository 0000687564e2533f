package pci

import (
	"fmt"
	"log/slog"

	"github.com/virtforge/vpci/internal/hv"
)

// DeviceOps is the operation table the virtual PCI bus dispatches through.
// Other device classes (fully emulated, mixed) implement the same surface;
// whoever binds the virtual device to its slot picks the implementation.
type DeviceOps interface {
	Init() error
	Deinit() error
	ConfigRead(offset uint16, size uint8) (uint32, error)
	ConfigWrite(offset uint16, size uint8, value uint32) error
}

// PassthroughDevice exposes one physical PCI function to a guest. The six
// BAR registers are emulated so the guest can relocate the device's memory
// regions in its own physical address space; all other configuration
// registers pass through to the hardware unmodified.
//
// BAR and mapping state is mutated only by the thread handling a config
// write for this device; the bus dispatcher serializes those.
type PassthroughDevice struct {
	bus  *Bus // owning bus/VM context; not lifetime-owned
	pdev *PhysicalDevice

	cfg ConfigImage

	// bars is the guest-visible layout, mutated by guest BAR writes.
	// hostBARs is the fixed host layout backing the mappings, supplied at
	// bind time. Sizes match slot for slot; only bars[i].Base moves.
	bars     [BARCount]BAR
	hostBARs [BARCount]BAR

	// mappedBase tracks, per slot, the guest base actually backed by a
	// mapping. It diverges from bars[i].Base after a sizing probe, whose
	// masked sentinel lands in the register but is never mapped.
	mappedBase [BARCount]uint64
}

// NewPassthroughDevice binds a physical function to a virtual device. The
// guest view starts with every implemented BAR unmapped (base 0); use
// SetGuestBAR to preset a base before Init.
func NewPassthroughDevice(bus *Bus, pdev *PhysicalDevice, hostBARs [BARCount]BAR) *PassthroughDevice {
	d := &PassthroughDevice{
		bus:      bus,
		pdev:     pdev,
		hostBARs: hostBARs,
	}
	for idx, bar := range hostBARs {
		d.bars[idx] = BAR{Type: bar.Type, Size: bar.Size}
	}
	return d
}

// PhysicalBDF returns the identity of the backing physical function.
func (d *PassthroughDevice) PhysicalBDF() BDF { return d.pdev.BDF() }

// GuestBAR returns the guest-visible descriptor of slot idx.
func (d *PassthroughDevice) GuestBAR(idx int) (BAR, error) {
	if idx < 0 || idx >= BARCount {
		return BAR{}, fmt.Errorf("BAR index %d out of range", idx)
	}
	return d.bars[idx], nil
}

// SetGuestBAR presets the guest base of slot idx. Only meaningful before
// Init; relocation afterwards goes through config writes.
func (d *PassthroughDevice) SetGuestBAR(idx int, guestBase uint64) error {
	if idx < 0 || idx >= BARCount {
		return fmt.Errorf("BAR index %d out of range", idx)
	}
	if guestBase&(d.bars[idx].Size-1) != 0 {
		return fmt.Errorf("BAR %d guest base 0x%x not aligned to size 0x%x",
			idx, guestBase, d.bars[idx].Size)
	}
	d.bars[idx].Base = guestBase
	return nil
}

// Init implements DeviceOps. It validates the BAR layout, ensures the
// owning VM has an IOMMU domain (creating it against the VM's second-level
// page-table root on first use), assigns the physical function into it and
// programs the initial BAR registers. The assignment result is the
// operation's result; BAR registers are programmed before it is inspected.
func (d *PassthroughDevice) Init() error {
	for idx, bar := range d.bars {
		if bar.Type != BARMem32 {
			return fmt.Errorf("%s: BAR %d is %s: %w", d.pdev.BDF(), idx, bar.Type, ErrInvalidBARType)
		}
	}

	domain, err := d.bus.ensureDomain()
	if err != nil {
		return fmt.Errorf("%s: %w", d.pdev.BDF(), err)
	}

	assignErr := domain.AssignDevice(d.pdev.BDF().Bus(), d.pdev.BDF().Devfn())

	for idx := 0; idx < BARCount; idx++ {
		d.cfg.WriteU32(BAROffset(idx), encodeBAR(d.bars[idx].Base, d.bars[idx].Type))
	}

	if assignErr != nil {
		return fmt.Errorf("assign %s: %w", d.pdev.BDF(), assignErr)
	}
	return nil
}

// Deinit implements DeviceOps: it unassigns the physical function from the
// VM's IOMMU domain. Domain teardown belongs to the VM, not this device.
func (d *PassthroughDevice) Deinit() error {
	domain := d.bus.Domain()
	if domain == nil {
		return fmt.Errorf("deinit %s: VM has no IOMMU domain", d.pdev.BDF())
	}
	if err := domain.UnassignDevice(d.pdev.BDF().Bus(), d.pdev.BDF().Devfn()); err != nil {
		return fmt.Errorf("unassign %s: %w", d.pdev.BDF(), err)
	}
	return nil
}

// ConfigRead implements DeviceOps. BAR registers read from the emulated
// image; everything else is forwarded to the physical function. Misaligned
// accesses read all-ones, the bus convention for "no such device".
func (d *PassthroughDevice) ConfigRead(offset uint16, size uint8) (uint32, error) {
	if offset&uint16(size-1) != 0 {
		return allOnes, fmt.Errorf("%s: read offset 0x%x width %d: %w",
			d.pdev.BDF(), offset, size, ErrUnalignedAccess)
	}

	if barAccess(offset) {
		return d.cfg.Read(offset, size), nil
	}
	return d.pdev.ReadConfig(offset, size)
}

// ConfigWrite implements DeviceOps. BAR register writes go through the
// relocation path; everything else is forwarded verbatim, so the guest can
// reprogram command bits, capability state and the rest of the header on
// the real device.
func (d *PassthroughDevice) ConfigWrite(offset uint16, size uint8, value uint32) error {
	if offset&uint16(size-1) != 0 {
		return fmt.Errorf("%s: write offset 0x%x width %d: %w",
			d.pdev.BDF(), offset, size, ErrUnalignedAccess)
	}

	if barAccess(offset) {
		d.writeBAR(offset, value)
		return nil
	}
	return d.pdev.WriteConfig(offset, size, value)
}

// writeBAR handles a guest write to a BAR register: mask the value against
// the slot size, force the 32-bit memory type bits, and remap the region
// when the base actually moves while memory decode is enabled. A remap
// failure is reported but never blocks the config-space write; the guest's
// view always advances to the last accepted value.
func (d *PassthroughDevice) writeBAR(offset uint16, raw uint32) {
	idx := int((offset - bar0Offset) / barStride)
	slot := &d.bars[idx]

	mask := ^uint32(slot.Size - 1)
	sizing := raw == barProbeValue
	newValue := (raw & mask) | slot.Type.encoding()
	newBase := barBase(newValue)

	if newBase == slot.Base {
		// Repeated identical writes never re-trigger a remap.
		return
	}

	if d.memoryDecodeEnabled() && !sizing {
		if err := d.remapBAR(idx, newBase); err != nil {
			slog.Error("pci-pt: BAR remap failed",
				"device", d.pdev.BDF(), "bar", idx,
				"old", fmt.Sprintf("0x%x", slot.Base),
				"new", fmt.Sprintf("0x%x", newBase),
				"err", err)
		}
	}

	d.cfg.WriteU32(offset, newValue)
	slot.Base = newBase
}

// memoryDecodeEnabled reads the physical command register; relocations are
// only materialized while the device is allowed to decode memory accesses.
func (d *PassthroughDevice) memoryDecodeEnabled() bool {
	command, err := d.pdev.ReadConfig(CommandRegister, 2)
	if err != nil {
		slog.Error("pci-pt: command register read failed", "device", d.pdev.BDF(), "err", err)
		return false
	}
	return command&CommandMemEnable != 0
}

// remapBAR moves slot idx's backing mapping to newBase. The old guest
// range is always unmapped before the new one is mapped, so the physical
// region is never reachable at two guest addresses at once.
func (d *PassthroughDevice) remapBAR(idx int, newBase uint64) error {
	root := d.bus.PageTableRoot()
	mapper := d.bus.Mapper()
	size := d.bars[idx].Size

	if d.mappedBase[idx] != 0 {
		if err := mapper.RemoveMapping(root, d.mappedBase[idx], size); err != nil {
			return err
		}
		d.mappedBase[idx] = 0
	}
	if newBase != 0 {
		if err := mapper.AddMapping(root, d.hostBARs[idx].Base, newBase, size,
			hv.MapRead|hv.MapWrite|hv.MapUncached); err != nil {
			return err
		}
		d.mappedBase[idx] = newBase
	}
	return nil
}

var _ DeviceOps = (*PassthroughDevice)(nil)
