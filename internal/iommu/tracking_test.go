package iommu

import (
	"errors"
	"testing"
)

func TestTrackingAllocatorCreateDomain(t *testing.T) {
	alloc := NewTrackingAllocator()

	if _, err := alloc.CreateDomain(1, 0, 48); err == nil {
		t.Error("zero page-table root accepted")
	}
	if _, err := alloc.CreateDomain(1, 0x1000, 40); err == nil {
		t.Error("address width 40 accepted")
	}

	if _, err := alloc.CreateDomain(1, 0x1000, 48); err != nil {
		t.Fatal(err)
	}
	if _, err := alloc.CreateDomain(1, 0x2000, 48); err == nil {
		t.Error("second domain for the same VM accepted")
	}
	if _, err := alloc.CreateDomain(2, 0x2000, 39); err != nil {
		t.Errorf("domain for a second VM: %v", err)
	}
}

func TestTrackingAllocatorAssignment(t *testing.T) {
	alloc := NewTrackingAllocator()
	d1, err := alloc.CreateDomain(1, 0x1000, 48)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := alloc.CreateDomain(2, 0x2000, 48)
	if err != nil {
		t.Fatal(err)
	}

	if err := d1.AssignDevice(0, 0x10); err != nil {
		t.Fatal(err)
	}

	t.Run("single ownership", func(t *testing.T) {
		if err := d2.AssignDevice(0, 0x10); !errors.Is(err, ErrAlreadyAssigned) {
			t.Errorf("second assignment = %v, want ErrAlreadyAssigned", err)
		}
		if err := d1.AssignDevice(0, 0x10); !errors.Is(err, ErrAlreadyAssigned) {
			t.Errorf("re-assignment to same domain = %v, want ErrAlreadyAssigned", err)
		}
	})

	t.Run("unassign ownership", func(t *testing.T) {
		if err := d2.UnassignDevice(0, 0x10); !errors.Is(err, ErrNotAssigned) {
			t.Errorf("foreign unassign = %v, want ErrNotAssigned", err)
		}
		if err := d1.UnassignDevice(0, 0x10); err != nil {
			t.Fatal(err)
		}
		if err := d1.UnassignDevice(0, 0x10); !errors.Is(err, ErrNotAssigned) {
			t.Errorf("double unassign = %v, want ErrNotAssigned", err)
		}
	})

	t.Run("reassignable after release", func(t *testing.T) {
		if err := d2.AssignDevice(0, 0x10); err != nil {
			t.Errorf("assignment after release = %v", err)
		}
	})
}

func TestTrackingAllocatorDestroyDomain(t *testing.T) {
	alloc := NewTrackingAllocator()
	d, err := alloc.CreateDomain(1, 0x1000, 48)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.AssignDevice(0, 0x08); err != nil {
		t.Fatal(err)
	}

	if err := alloc.DestroyDomain(1); err == nil {
		t.Error("destroyed a domain with a device still assigned")
	}
	if err := d.UnassignDevice(0, 0x08); err != nil {
		t.Fatal(err)
	}
	if err := alloc.DestroyDomain(1); err != nil {
		t.Fatal(err)
	}
	if err := alloc.DestroyDomain(1); err == nil {
		t.Error("double destroy accepted")
	}
}

func TestTrackingAllocatorAssignedDevices(t *testing.T) {
	alloc := NewTrackingAllocator()
	d, err := alloc.CreateDomain(1, 0x1000, 48)
	if err != nil {
		t.Fatal(err)
	}
	if got := alloc.AssignedDevices(1); len(got) != 0 {
		t.Errorf("fresh domain reports devices %v", got)
	}
	if err := d.AssignDevice(0, 0x11); err != nil {
		t.Fatal(err)
	}
	got := alloc.AssignedDevices(1)
	if len(got) != 1 || got[0] != 0x0011 {
		t.Errorf("AssignedDevices = %#x, want [0x0011]", got)
	}
	if got := alloc.AssignedDevices(9); got != nil {
		t.Errorf("unknown VM reports devices %v", got)
	}
}
