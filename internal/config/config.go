// Package config loads the passthrough topology: which physical PCI
// functions bind to which virtual slots, and the fixed host BAR layout
// backing each one.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/virtforge/vpci/internal/devices/pci"
)

// Topology describes every passthrough binding for one VM.
type Topology struct {
	Version int    `yaml:"version"`
	VMID    uint32 `yaml:"vmID"`

	Devices []Device `yaml:"devices"`
}

// Device binds one physical function to a virtual slot.
type Device struct {
	// Address is the host PCI address, with or without the segment
	// ("0000:00:02.0" or "00:02.0").
	Address string `yaml:"address"`

	// Slot and Function place the device on virtual bus 0.
	Slot     uint8 `yaml:"slot"`
	Function uint8 `yaml:"function,omitempty"`

	BARs []BARConfig `yaml:"bars,omitempty"`
}

// BARConfig is one slot of the fixed host BAR layout.
type BARConfig struct {
	Type      string `yaml:"type,omitempty"` // only "mem32"
	Size      uint64 `yaml:"size"`
	HostBase  uint64 `yaml:"hostBase"`
	GuestBase uint64 `yaml:"guestBase,omitempty"`
}

func (t *Topology) normalize() {
	if t.Version == 0 {
		t.Version = 1
	}
	for i := range t.Devices {
		for j := range t.Devices[i].BARs {
			if t.Devices[i].BARs[j].Type == "" {
				t.Devices[i].BARs[j].Type = "mem32"
			}
		}
	}
}

// Parse decodes and normalizes a topology document.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	t.normalize()
	return &t, nil
}

// Load reads and parses a topology file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	return Parse(data)
}

// Validate checks the whole topology: parseable addresses, unique virtual
// slots, and a supportable BAR layout per device.
func (t *Topology) Validate() error {
	if t.Version != 1 {
		return fmt.Errorf("unsupported topology version %d", t.Version)
	}
	seenSlot := make(map[uint16]string)
	seenAddr := make(map[pci.BDF]string)
	for i := range t.Devices {
		d := &t.Devices[i]
		bdf, err := d.BDF()
		if err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
		if prev, dup := seenAddr[bdf]; dup {
			return fmt.Errorf("device %d: %s already bound (as %s)", i, d.Address, prev)
		}
		seenAddr[bdf] = d.Address

		if d.Slot > 0x1f || d.Function > 7 {
			return fmt.Errorf("device %s: virtual slot %02x.%x out of range", d.Address, d.Slot, d.Function)
		}
		key := uint16(d.Slot)<<3 | uint16(d.Function)
		if prev, dup := seenSlot[key]; dup {
			return fmt.Errorf("device %s: virtual slot %02x.%x already used by %s",
				d.Address, d.Slot, d.Function, prev)
		}
		seenSlot[key] = d.Address

		layout, err := d.BARLayout()
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Address, err)
		}
		if err := pci.ValidateBARs(layout); err != nil {
			return fmt.Errorf("device %s: %w", d.Address, err)
		}
	}
	return nil
}

// BDF parses the device's host address.
func (d *Device) BDF() (pci.BDF, error) {
	return pci.ParseBDF(d.Address)
}

// BARLayout converts the device's BAR list into the fixed-size host layout
// the device model consumes. Unlisted slots stay unimplemented (size 0).
func (d *Device) BARLayout() ([pci.BARCount]pci.BAR, error) {
	var layout [pci.BARCount]pci.BAR
	if len(d.BARs) > pci.BARCount {
		return layout, fmt.Errorf("%d BARs exceed the %d header slots", len(d.BARs), pci.BARCount)
	}
	for idx, bar := range d.BARs {
		if bar.Type != "mem32" {
			return layout, fmt.Errorf("BAR %d type %q: %w", idx, bar.Type, pci.ErrInvalidBARType)
		}
		layout[idx] = pci.BAR{
			Type: pci.BARMem32,
			Base: bar.HostBase,
			Size: bar.Size,
		}
	}
	return layout, nil
}

// GuestBases returns the configured initial guest base per slot.
func (d *Device) GuestBases() [pci.BARCount]uint64 {
	var bases [pci.BARCount]uint64
	for idx, bar := range d.BARs {
		if idx < pci.BARCount {
			bases[idx] = bar.GuestBase
		}
	}
	return bases
}
