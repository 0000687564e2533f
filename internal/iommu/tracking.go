package iommu

import (
	"fmt"
	"sync"
)

// TrackingAllocator is an Allocator that keeps domain and assignment state
// in process memory. It enforces the same rules as a hardware-backed
// remapping unit: one domain per VM, and each device assigned to at most
// one domain at a time.
type TrackingAllocator struct {
	mu      sync.Mutex
	domains map[uint32]*trackedDomain
	owners  map[uint16]*trackedDomain
}

// NewTrackingAllocator creates an empty allocator.
func NewTrackingAllocator() *TrackingAllocator {
	return &TrackingAllocator{
		domains: make(map[uint32]*trackedDomain),
		owners:  make(map[uint16]*trackedDomain),
	}
}

// CreateDomain implements Allocator.
func (a *TrackingAllocator) CreateDomain(vmID uint32, pageTableRoot uint64, addressWidth uint32) (Domain, error) {
	if pageTableRoot == 0 {
		return nil, fmt.Errorf("iommu: domain for VM %d needs a page-table root", vmID)
	}
	switch addressWidth {
	case 39, 48, 57:
	default:
		return nil, fmt.Errorf("iommu: unsupported address width %d", addressWidth)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.domains[vmID]; exists {
		return nil, fmt.Errorf("iommu: VM %d already has a domain", vmID)
	}
	d := &trackedDomain{
		allocator:     a,
		vmID:          vmID,
		pageTableRoot: pageTableRoot,
		addressWidth:  addressWidth,
	}
	a.domains[vmID] = d
	return d, nil
}

// DestroyDomain tears down a VM's domain. All devices must have been
// unassigned first.
func (a *TrackingAllocator) DestroyDomain(vmID uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.domains[vmID]
	if !ok {
		return fmt.Errorf("iommu: VM %d has no domain", vmID)
	}
	for key, owner := range a.owners {
		if owner == d {
			return fmt.Errorf("iommu: domain for VM %d still holds device %02x:%02x.%x",
				vmID, key>>8, (key>>3)&0x1f, key&0x7)
		}
	}
	delete(a.domains, vmID)
	return nil
}

// AssignedDevices reports the bus/devfn keys currently assigned for a VM.
func (a *TrackingAllocator) AssignedDevices(vmID uint32) []uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.domains[vmID]
	if !ok {
		return nil
	}
	var keys []uint16
	for key, owner := range a.owners {
		if owner == d {
			keys = append(keys, key)
		}
	}
	return keys
}

type trackedDomain struct {
	allocator     *TrackingAllocator
	vmID          uint32
	pageTableRoot uint64
	addressWidth  uint32
}

func deviceKey(bus, devfn uint8) uint16 {
	return uint16(bus)<<8 | uint16(devfn)
}

// AssignDevice implements Domain.
func (d *trackedDomain) AssignDevice(bus, devfn uint8) error {
	a := d.allocator
	a.mu.Lock()
	defer a.mu.Unlock()

	key := deviceKey(bus, devfn)
	if owner, taken := a.owners[key]; taken {
		return fmt.Errorf("iommu: device %02x:%02x.%x held by VM %d: %w",
			bus, devfn>>3, devfn&0x7, owner.vmID, ErrAlreadyAssigned)
	}
	a.owners[key] = d
	return nil
}

// UnassignDevice implements Domain.
func (d *trackedDomain) UnassignDevice(bus, devfn uint8) error {
	a := d.allocator
	a.mu.Lock()
	defer a.mu.Unlock()

	key := deviceKey(bus, devfn)
	if owner, taken := a.owners[key]; !taken || owner != d {
		return fmt.Errorf("iommu: device %02x:%02x.%x: %w", bus, devfn>>3, devfn&0x7, ErrNotAssigned)
	}
	delete(a.owners, key)
	return nil
}

var (
	_ Allocator = (*TrackingAllocator)(nil)
	_ Domain    = (*trackedDomain)(nil)
)
