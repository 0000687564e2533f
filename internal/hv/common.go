// Package hv defines the contracts the passthrough device model consumes
// from the surrounding hypervisor: second-level address translation
// (EPT-style guest-physical mappings) and legacy x86 I/O port dispatch.
package hv

import "errors"

var (
	ErrNotMapped     = errors.New("guest region not mapped")
	ErrAlreadyMapped = errors.New("guest region already mapped")
)

// MappingFlags describe the access attributes of a guest-physical mapping.
type MappingFlags uint32

const (
	MapRead MappingFlags = 1 << iota
	MapWrite
	MapExecute
	MapUncached
)

// MemoryMapper manages guest-physical to host-physical translations for a
// VM's second-level page tables. The root parameter selects the page-table
// hierarchy the mapping belongs to; a VM has exactly one root.
type MemoryMapper interface {
	AddMapping(root uint64, hostBase, guestBase, size uint64, flags MappingFlags) error
	RemoveMapping(root uint64, guestBase, size uint64) error
}

// IOPortDevice is implemented by devices that service legacy x86 I/O port
// accesses. The access width is len(data); data is little-endian.
type IOPortDevice interface {
	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// SimpleIOPortDevice adapts plain functions to IOPortDevice.
type SimpleIOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleIOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleIOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	for i := range data {
		data[i] = 0xff
	}
	return nil
}
func (d SimpleIOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return nil
}

var _ IOPortDevice = SimpleIOPortDevice{}
