package iommu

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	pciDevicesPath = "/sys/bus/pci/devices"
	vfioPCIDriver  = "vfio-pci"
	vfioDevPath    = "/dev/vfio"
)

// Full PCI address with domain, e.g. 0000:01:00.0.
var pciAddressRegex = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// FileSystem abstracts the sysfs operations the binder performs, so tests
// can run against a fake tree.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Exists(path string) bool
	Readlink(path string) (string, error)
}

type osFileSystem struct{}

func (osFileSystem) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }
func (osFileSystem) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
func (osFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
func (osFileSystem) Readlink(path string) (string, error) { return os.Readlink(path) }

// SysfsBinder moves physical functions between their host driver and
// vfio-pci so they can be isolated for guest assignment. It is the
// host-side edge of the assignment lifecycle; the in-VM state is handled
// by the Allocator/Domain contracts.
type SysfsBinder struct {
	logger *slog.Logger
	fs     FileSystem
}

// NewSysfsBinder creates a binder operating on the real sysfs tree.
func NewSysfsBinder(logger *slog.Logger) *SysfsBinder {
	return &SysfsBinder{
		logger: logger.With("component", "sysfs-binder"),
		fs:     osFileSystem{},
	}
}

// newSysfsBinderWithFS creates a binder over a custom filesystem (tests).
func newSysfsBinderWithFS(logger *slog.Logger, fs FileSystem) *SysfsBinder {
	return &SysfsBinder{logger: logger, fs: fs}
}

// ValidAddress reports whether addr is a full domain:bus:device.function
// PCI address.
func ValidAddress(addr string) bool {
	return pciAddressRegex.MatchString(addr)
}

// Bind detaches addr from its current host driver and attaches it to
// vfio-pci.
func (b *SysfsBinder) Bind(addr string) error {
	if !ValidAddress(addr) {
		return fmt.Errorf("invalid PCI address %q (expected 0000:01:00.0)", addr)
	}
	if !b.fs.Exists(filepath.Join(pciDevicesPath, addr)) {
		return fmt.Errorf("PCI device not found: %s", addr)
	}

	current, err := b.currentDriver(addr)
	if err != nil {
		return err
	}
	if current == vfioPCIDriver {
		b.logger.Debug("device already bound to vfio-pci", "address", addr)
		return nil
	}
	if current != "" {
		if err := b.fs.WriteFile(filepath.Join("/sys/bus/pci/drivers", current, "unbind"), []byte(addr)); err != nil {
			return fmt.Errorf("unbind %s from %s: %w", addr, current, err)
		}
		b.logger.Debug("unbound from host driver", "address", addr, "driver", current)
	}

	vendor, device, err := b.deviceID(addr)
	if err != nil {
		return err
	}
	newID := fmt.Sprintf("%s %s", vendor, device)
	if err := b.fs.WriteFile("/sys/bus/pci/drivers/vfio-pci/new_id", []byte(newID)); err != nil {
		// new_id fails once the ID is registered; the explicit bind below
		// decides whether the device actually attached.
		b.logger.Debug("vfio-pci new_id rejected", "address", addr, "err", err)
	}
	if err := b.fs.WriteFile("/sys/bus/pci/drivers/vfio-pci/bind", []byte(addr)); err != nil {
		if now, _ := b.currentDriver(addr); now != vfioPCIDriver {
			return fmt.Errorf("bind %s to vfio-pci: %w", addr, err)
		}
	}

	b.logger.Info("bound device to vfio-pci", "address", addr)
	return nil
}

// Unbind detaches addr from vfio-pci. The device is left driverless; the
// host re-probes it on the next driver load or explicit bind.
func (b *SysfsBinder) Unbind(addr string) error {
	if !ValidAddress(addr) {
		return fmt.Errorf("invalid PCI address %q", addr)
	}
	current, err := b.currentDriver(addr)
	if err != nil {
		return err
	}
	if current != vfioPCIDriver {
		return fmt.Errorf("device %s is bound to %q, not vfio-pci", addr, current)
	}
	if err := b.fs.WriteFile("/sys/bus/pci/drivers/vfio-pci/unbind", []byte(addr)); err != nil {
		return fmt.Errorf("unbind %s from vfio-pci: %w", addr, err)
	}
	b.logger.Info("unbound device from vfio-pci", "address", addr)
	return nil
}

// IOMMUGroup returns the IOMMU group number addr belongs to, or an error
// if the platform exposes none (IOMMU disabled).
func (b *SysfsBinder) IOMMUGroup(addr string) (string, error) {
	groupPath := filepath.Join(pciDevicesPath, addr, "iommu_group")
	if !b.fs.Exists(groupPath) {
		return "", fmt.Errorf("device %s has no IOMMU group (IOMMU may be disabled)", addr)
	}
	target, err := b.fs.Readlink(groupPath)
	if err != nil {
		return "", fmt.Errorf("resolve IOMMU group of %s: %w", addr, err)
	}
	return filepath.Base(target), nil
}

// GroupDevicePath returns the /dev/vfio node for the device's IOMMU group.
func (b *SysfsBinder) GroupDevicePath(addr string) (string, error) {
	group, err := b.IOMMUGroup(addr)
	if err != nil {
		return "", err
	}
	path := filepath.Join(vfioDevPath, group)
	if !b.fs.Exists(path) {
		return "", fmt.Errorf("VFIO group node %s not present (device not bound to vfio-pci?)", path)
	}
	return path, nil
}

func (b *SysfsBinder) currentDriver(addr string) (string, error) {
	driverPath := filepath.Join(pciDevicesPath, addr, "driver")
	if !b.fs.Exists(driverPath) {
		return "", nil
	}
	target, err := b.fs.Readlink(driverPath)
	if err != nil {
		return "", fmt.Errorf("resolve driver of %s: %w", addr, err)
	}
	return filepath.Base(target), nil
}

func (b *SysfsBinder) deviceID(addr string) (vendor, device string, err error) {
	read := func(name string) (string, error) {
		raw, err := b.fs.ReadFile(filepath.Join(pciDevicesPath, addr, name))
		if err != nil {
			return "", fmt.Errorf("read %s of %s: %w", name, addr, err)
		}
		return strings.TrimSpace(strings.TrimPrefix(string(raw), "0x")), nil
	}
	if vendor, err = read("vendor"); err != nil {
		return "", "", err
	}
	if device, err = read("device"); err != nil {
		return "", "", err
	}
	return vendor, device, nil
}
