// Package iommu models DMA-isolation domains for device assignment. A
// domain is a hardware translation context tied to one VM's second-level
// page tables; assigning a physical function into it restricts the
// addresses the function may reach via DMA.
package iommu

import "errors"

var (
	ErrAlreadyAssigned = errors.New("device already assigned to a domain")
	ErrNotAssigned     = errors.New("device not assigned to this domain")
)

// Domain is one translation context. Assignment is keyed by the physical
// function's bus number and devfn byte (device << 3 | function).
type Domain interface {
	AssignDevice(bus, devfn uint8) error
	UnassignDevice(bus, devfn uint8) error
}

// Allocator creates translation domains. pageTableRoot is the host-physical
// address of the VM's second-level page-table root; addressWidth is the
// guest address width in bits the domain must translate.
type Allocator interface {
	CreateDomain(vmID uint32, pageTableRoot uint64, addressWidth uint32) (Domain, error)
}
