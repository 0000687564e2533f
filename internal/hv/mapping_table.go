package hv

import (
	"fmt"
	"sync"
)

// Mapping is one guest-physical to host-physical translation.
type Mapping struct {
	Root      uint64
	HostBase  uint64
	GuestBase uint64
	Size      uint64
	Flags     MappingFlags
}

// MappingTable is a MemoryMapper that records translations per page-table
// root and rejects overlapping guest ranges. It stands in for the real
// second-level page-table manager, which consumes the same contract.
type MappingTable struct {
	mu sync.Mutex

	mappings []Mapping
}

// NewMappingTable creates an empty mapping table.
func NewMappingTable() *MappingTable {
	return &MappingTable{}
}

// AddMapping implements MemoryMapper.
func (t *MappingTable) AddMapping(root uint64, hostBase, guestBase, size uint64, flags MappingFlags) error {
	if size == 0 {
		return fmt.Errorf("mapping_table: cannot map zero-size region at 0x%x", guestBase)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("mapping_table: size 0x%x is not a power of 2", size)
	}
	if guestBase&(size-1) != 0 || hostBase&(size-1) != 0 {
		return fmt.Errorf("mapping_table: region 0x%x -> 0x%x not aligned to size 0x%x",
			hostBase, guestBase, size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	guestEnd := guestBase + size
	for _, m := range t.mappings {
		if m.Root != root {
			continue
		}
		if guestBase < m.GuestBase+m.Size && guestEnd > m.GuestBase {
			return fmt.Errorf("mapping_table: guest region [0x%x-0x%x) overlaps [0x%x-0x%x): %w",
				guestBase, guestEnd, m.GuestBase, m.GuestBase+m.Size, ErrAlreadyMapped)
		}
	}

	t.mappings = append(t.mappings, Mapping{
		Root:      root,
		HostBase:  hostBase,
		GuestBase: guestBase,
		Size:      size,
		Flags:     flags,
	})
	return nil
}

// RemoveMapping implements MemoryMapper. The guest base and size must match
// an existing mapping exactly; partial unmaps are not supported.
func (t *MappingTable) RemoveMapping(root uint64, guestBase, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, m := range t.mappings {
		if m.Root != root || m.GuestBase != guestBase {
			continue
		}
		if m.Size != size {
			return fmt.Errorf("mapping_table: unmap size 0x%x does not match mapped size 0x%x at 0x%x",
				size, m.Size, guestBase)
		}
		t.mappings = append(t.mappings[:i], t.mappings[i+1:]...)
		return nil
	}
	return fmt.Errorf("mapping_table: no mapping at 0x%x for root 0x%x: %w",
		guestBase, root, ErrNotMapped)
}

// Translate resolves a guest-physical address to its host-physical address.
func (t *MappingTable) Translate(root uint64, guestAddr uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range t.mappings {
		if m.Root != root {
			continue
		}
		if guestAddr >= m.GuestBase && guestAddr < m.GuestBase+m.Size {
			return m.HostBase + (guestAddr - m.GuestBase), nil
		}
	}
	return 0, fmt.Errorf("mapping_table: 0x%x: %w", guestAddr, ErrNotMapped)
}

// Mappings returns a copy of the current mappings for one root.
func (t *MappingTable) Mappings(root uint64) []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Mapping
	for _, m := range t.mappings {
		if m.Root == root {
			result = append(result, m)
		}
	}
	return result
}

var _ MemoryMapper = (*MappingTable)(nil)
