package iommu

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// fakeFS is an in-memory sysfs tree. Writes are appended to a log so tests
// can assert the exact sequence of driver operations.
type fakeFS struct {
	files map[string]string
	links map[string]string
	log   []string

	failWrite map[string]error
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		files:     make(map[string]string),
		links:     make(map[string]string),
		failWrite: make(map[string]error),
	}
}

// addDevice populates the sysfs entries for one bound PCI function.
func (f *fakeFS) addDevice(addr, driver, vendor, device, group string) {
	base := "/sys/bus/pci/devices/" + addr
	f.files[base] = ""
	f.files[base+"/vendor"] = "0x" + vendor + "\n"
	f.files[base+"/device"] = "0x" + device + "\n"
	if driver != "" {
		f.links[base+"/driver"] = "../../../bus/pci/drivers/" + driver
	}
	if group != "" {
		f.links[base+"/iommu_group"] = "../../../kernel/iommu_groups/" + group
	}
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return []byte(content), nil
}

func (f *fakeFS) WriteFile(path string, data []byte) error {
	if err, injected := f.failWrite[path]; injected {
		return err
	}
	f.log = append(f.log, fmt.Sprintf("%s <- %s", path, data))
	return nil
}

func (f *fakeFS) Exists(path string) bool {
	if _, ok := f.files[path]; ok {
		return true
	}
	_, ok := f.links[path]
	return ok
}

func (f *fakeFS) Readlink(path string) (string, error) {
	target, ok := f.links[path]
	if !ok {
		return "", fmt.Errorf("not a symlink: %s", path)
	}
	return target, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidAddress(t *testing.T) {
	valid := []string{"0000:01:00.0", "0000:ff:1f.7", "0001:00:00.0"}
	invalid := []string{"01:00.0", "0000:01:00.8", "0000:01:00", "bogus", ""}
	for _, addr := range valid {
		if !ValidAddress(addr) {
			t.Errorf("ValidAddress(%q) = false", addr)
		}
	}
	for _, addr := range invalid {
		if ValidAddress(addr) {
			t.Errorf("ValidAddress(%q) = true", addr)
		}
	}
}

func TestSysfsBinderBind(t *testing.T) {
	t.Run("from host driver", func(t *testing.T) {
		fs := newFakeFS()
		fs.addDevice("0000:01:00.0", "igb", "8086", "1533", "12")
		binder := newSysfsBinderWithFS(discardLogger(), fs)

		if err := binder.Bind("0000:01:00.0"); err != nil {
			t.Fatal(err)
		}
		want := []string{
			"/sys/bus/pci/drivers/igb/unbind <- 0000:01:00.0",
			"/sys/bus/pci/drivers/vfio-pci/new_id <- 8086 1533",
			"/sys/bus/pci/drivers/vfio-pci/bind <- 0000:01:00.0",
		}
		if len(fs.log) != len(want) {
			t.Fatalf("sysfs writes %v, want %v", fs.log, want)
		}
		for i := range want {
			if fs.log[i] != want[i] {
				t.Errorf("write %d = %q, want %q", i, fs.log[i], want[i])
			}
		}
	})

	t.Run("driverless device skips unbind", func(t *testing.T) {
		fs := newFakeFS()
		fs.addDevice("0000:01:00.0", "", "8086", "1533", "12")
		binder := newSysfsBinderWithFS(discardLogger(), fs)

		if err := binder.Bind("0000:01:00.0"); err != nil {
			t.Fatal(err)
		}
		for _, entry := range fs.log {
			if strings.Contains(entry, "/unbind") {
				t.Errorf("unexpected unbind: %q", entry)
			}
		}
	})

	t.Run("already on vfio-pci", func(t *testing.T) {
		fs := newFakeFS()
		fs.addDevice("0000:01:00.0", "vfio-pci", "8086", "1533", "12")
		binder := newSysfsBinderWithFS(discardLogger(), fs)

		if err := binder.Bind("0000:01:00.0"); err != nil {
			t.Fatal(err)
		}
		if len(fs.log) != 0 {
			t.Errorf("rebinding wrote to sysfs: %v", fs.log)
		}
	})

	t.Run("missing device", func(t *testing.T) {
		binder := newSysfsBinderWithFS(discardLogger(), newFakeFS())
		if err := binder.Bind("0000:01:00.0"); err == nil {
			t.Error("bind of missing device succeeded")
		}
	})

	t.Run("malformed address", func(t *testing.T) {
		binder := newSysfsBinderWithFS(discardLogger(), newFakeFS())
		if err := binder.Bind("01:00.0"); err == nil {
			t.Error("short address accepted")
		}
	})

	t.Run("bind write failure surfaces", func(t *testing.T) {
		fs := newFakeFS()
		fs.addDevice("0000:01:00.0", "igb", "8086", "1533", "12")
		fs.failWrite["/sys/bus/pci/drivers/vfio-pci/bind"] = fmt.Errorf("no such device")
		binder := newSysfsBinderWithFS(discardLogger(), fs)

		if err := binder.Bind("0000:01:00.0"); err == nil {
			t.Error("failed bind reported success")
		}
	})
}

func TestSysfsBinderUnbind(t *testing.T) {
	t.Run("from vfio-pci", func(t *testing.T) {
		fs := newFakeFS()
		fs.addDevice("0000:01:00.0", "vfio-pci", "8086", "1533", "12")
		binder := newSysfsBinderWithFS(discardLogger(), fs)

		if err := binder.Unbind("0000:01:00.0"); err != nil {
			t.Fatal(err)
		}
		if len(fs.log) != 1 || fs.log[0] != "/sys/bus/pci/drivers/vfio-pci/unbind <- 0000:01:00.0" {
			t.Errorf("sysfs writes %v", fs.log)
		}
	})

	t.Run("wrong driver", func(t *testing.T) {
		fs := newFakeFS()
		fs.addDevice("0000:01:00.0", "igb", "8086", "1533", "12")
		binder := newSysfsBinderWithFS(discardLogger(), fs)

		if err := binder.Unbind("0000:01:00.0"); err == nil {
			t.Error("unbind from foreign driver succeeded")
		}
	})
}

func TestSysfsBinderIOMMUGroup(t *testing.T) {
	fs := newFakeFS()
	fs.addDevice("0000:01:00.0", "vfio-pci", "8086", "1533", "12")
	fs.addDevice("0000:02:00.0", "vfio-pci", "8086", "1533", "")
	binder := newSysfsBinderWithFS(discardLogger(), fs)

	group, err := binder.IOMMUGroup("0000:01:00.0")
	if err != nil {
		t.Fatal(err)
	}
	if group != "12" {
		t.Errorf("IOMMUGroup = %q, want 12", group)
	}

	if _, err := binder.IOMMUGroup("0000:02:00.0"); err == nil {
		t.Error("missing IOMMU group went unnoticed")
	}
}

func TestSysfsBinderGroupDevicePath(t *testing.T) {
	fs := newFakeFS()
	fs.addDevice("0000:01:00.0", "vfio-pci", "8086", "1533", "12")
	binder := newSysfsBinderWithFS(discardLogger(), fs)

	if _, err := binder.GroupDevicePath("0000:01:00.0"); err == nil {
		t.Error("missing /dev/vfio node went unnoticed")
	}

	fs.files["/dev/vfio/12"] = ""
	path, err := binder.GroupDevicePath("0000:01:00.0")
	if err != nil {
		t.Fatal(err)
	}
	if path != "/dev/vfio/12" {
		t.Errorf("GroupDevicePath = %q, want /dev/vfio/12", path)
	}
}
