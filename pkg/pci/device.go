package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
)

var bdfRegexp = regexp.MustCompile(`^[0-9a-f]{4}:[0-9a-f]{2}:[0-9a-f]{2}\.[0-9a-f]$`)

// IsBDF reports whether s is a full PCI address (DDDD:BB:SS.F, lower hex).
func IsBDF(s string) bool { return bdfRegexp.MatchString(s) }

// Bar describes one MMIO region of a device as listed in the sysfs resource
// file. Index counts MMIO BARs only, the way register offsets are addressed;
// SysfsIndex is the resourceN number, which skips the high half of 64-bit
// BARs.
type Bar struct {
	Index      int
	SysfsIndex int
	Addr       uint64
	Size       uint64
	Is64Bit    bool
}

// Device is a PCI function backed by a sysfs device directory.
type Device struct {
	Path string
	Addr string // DDDD:BB:SS.F

	Vendor     uint16
	DeviceID   uint16
	SubVendor  uint16
	SubDevice  uint16
	Class      uint32
	HeaderType uint8

	Config *ConfigSpace
	Bars   []Bar

	op Op
}

// NewDevice opens the device rooted at the sysfs directory path and parses
// its config space header, capability lists, and BAR layout.
func NewDevice(path string, opts ...OpOption) (*Device, error) {
	op := Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}
	return newDevice(path, op)
}

func newDevice(path string, op Op) (*Device, error) {
	cfgRegion, err := OpenFileRegion(filepath.Join(path, "config"))
	if err != nil {
		return nil, fmt.Errorf("open config space for %s: %w", path, err)
	}
	cfg, err := NewConfigSpace(cfgRegion)
	if err != nil {
		cfgRegion.Close()
		return nil, err
	}

	d := &Device{
		Path:   path,
		Addr:   filepath.Base(path),
		Config: cfg,
		op:     op,
	}
	if d.Vendor, err = cfg.Read16(RegVendorID); err != nil {
		return nil, err
	}
	if d.DeviceID, err = cfg.Read16(RegDeviceID); err != nil {
		return nil, err
	}
	if d.SubVendor, err = cfg.Read16(RegSubVendorID); err != nil {
		return nil, err
	}
	if d.SubDevice, err = cfg.Read16(RegSubDeviceID); err != nil {
		return nil, err
	}
	if d.HeaderType, err = cfg.Read8(RegHeaderType); err != nil {
		return nil, err
	}
	classRev, err := cfg.Read32(RegClassRevision)
	if err != nil {
		return nil, err
	}
	d.Class = classRev >> 8

	if err := d.initBars(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("PCI %s %04x:%04x", d.Addr, d.Vendor, d.DeviceID)
}

func (d *Device) Close() error {
	return d.Config.Close()
}

// Reopen opens the device again at the same sysfs path, for use after a
// remove and bus rescan invalidated the old handles.
func (d *Device) Reopen() (*Device, error) {
	return newDevice(d.Path, d.op)
}

// initBars parses the sysfs resource file. Only the first 6 entries are
// BARs; later lines are ROM and bridge windows.
func (d *Device) initBars() error {
	raw, err := os.ReadFile(filepath.Join(d.Path, "resource"))
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) > 6 {
		lines = lines[:6]
	}

	index := 0
	for sysfsIndex, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return err
		}
		end, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return err
		}
		flags, err := strconv.ParseUint(fields[2], 0, 64)
		if err != nil {
			return err
		}
		// Skip I/O port regions and unimplemented BARs.
		if flags&0x1 != 0 || addr == 0 {
			continue
		}
		d.Bars = append(d.Bars, Bar{
			Index:      index,
			SysfsIndex: sysfsIndex,
			Addr:       addr,
			Size:       end - addr + 1,
			Is64Bit:    (flags>>1)&0x3 == 0x2,
		})
		index++
	}
	return nil
}

// MapBar maps the n-th MMIO BAR for read/write register access. With the
// /dev/mem transport the mapping goes through the physical address window
// instead of the sysfs resource file.
func (d *Device) MapBar(n int) (Region, error) {
	return d.MapBarSlice(n, 0)
}

// MapBarSlice maps the first size bytes of the n-th MMIO BAR; size 0 maps
// the whole BAR.
func (d *Device) MapBarSlice(n int, size uint64) (Region, error) {
	if n >= len(d.Bars) {
		return nil, fmt.Errorf("%s has no BAR %d: %w", d, n, errdefs.ErrOutOfRange)
	}
	bar := d.Bars[n]
	if size == 0 || size > bar.Size {
		size = bar.Size
	}
	if d.op.devMem {
		return OpenMmioRegion("/dev/mem", int(bar.Addr), int(size))
	}
	resource := filepath.Join(d.Path, fmt.Sprintf("resource%d", bar.SysfsIndex))
	return OpenMmioRegion(resource, 0, int(size))
}

// Driver returns the name of the bound kernel driver, or "" when unbound.
func (d *Device) Driver() string {
	target, err := os.Readlink(filepath.Join(d.Path, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// Module returns the kernel module backing the bound driver, or "".
func (d *Device) Module() string {
	target, err := os.Readlink(filepath.Join(d.Path, "driver", "module"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// NumaNode returns the device's NUMA node, or -1 when not applicable.
func (d *Device) NumaNode() int {
	raw, err := os.ReadFile(filepath.Join(d.Path, "numa_node"))
	if err != nil {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return -1
	}
	return n
}

// ParentPath resolves the sysfs directory of the upstream device, or "" for
// root-complex-attached functions.
func (d *Device) ParentPath() string {
	real, err := filepath.EvalSymlinks(d.Path)
	if err != nil {
		return ""
	}
	parent := filepath.Dir(real)
	if !IsBDF(filepath.Base(parent)) {
		return ""
	}
	return parent
}

// Parent opens the upstream bridge. Returns ErrNotSupported for devices on
// the root complex with no visible bridge above them.
func (d *Device) Parent() (*Bridge, error) {
	parent := d.ParentPath()
	if parent == "" {
		return nil, fmt.Errorf("%s has no upstream bridge: %w", d, errdefs.ErrNotSupported)
	}
	return NewBridge(parent, d.op)
}

func (d *Device) sysfsWrite(rel, value string) error {
	path := filepath.Join(d.Path, rel)
	if err := os.WriteFile(path, []byte(value), 0); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// Remove hot-unplugs the device from the kernel's view. The config space
// handle goes stale; reopen after a bus rescan.
func (d *Device) Remove() error {
	return d.sysfsWrite("remove", "1")
}

// SysfsReset asks the kernel to pick and perform a reset method.
func (d *Device) SysfsReset() error {
	return d.sysfsWrite("reset", "1")
}

// RescanBus re-enumerates the whole PCI bus, bringing back removed devices.
func (d *Device) RescanBus() error {
	// devicesRoot is <bus>/devices; rescan sits next to it.
	path := filepath.Join(filepath.Dir(d.op.devicesRoot), "rescan")
	if err := os.WriteFile(path, []byte("1"), 0); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// Unbind detaches the bound kernel driver. A no-op when already unbound.
func (d *Device) Unbind() error {
	path := filepath.Join(d.Path, "driver", "unbind")
	if _, err := os.Stat(path); err != nil {
		log.Logger.Debugw("unbind not present, already unbound", "device", d.Addr)
		return nil
	}
	return d.sysfsWrite(filepath.Join("driver", "unbind"), d.Addr)
}

// Bind attaches the device to the named driver.
func (d *Device) Bind(driver string) error {
	// <bus>/drivers/<driver>/bind
	path := filepath.Join(filepath.Dir(d.op.devicesRoot), "drivers", driver, "bind")
	if err := os.WriteFile(path, []byte(d.Addr), 0); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// PowerControl reads power/control, "auto" or "on".
func (d *Device) PowerControl() (string, error) {
	raw, err := os.ReadFile(filepath.Join(d.Path, "power", "control"))
	if err != nil {
		return "", classifyIOError(err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// SetPowerControl writes power/control. Setting "on" keeps the device in D0
// so register access does not race runtime PM.
func (d *Device) SetPowerControl(mode string) error {
	return d.sysfsWrite(filepath.Join("power", "control"), mode)
}

// ForceD0 puts the device into D0 through the PM capability if it is in a
// lower power state.
func (d *Device) ForceD0() error {
	pm := d.Config.CapOffset(CapIDPM)
	if pm == 0 {
		return nil
	}
	ctrl, err := d.Config.Read16(pm + PMCtrl)
	if err != nil {
		return err
	}
	if ctrl&PMCtrlStateMask == PMCtrlStateD0 {
		return nil
	}
	log.Logger.Debugw("forcing D0", "device", d.Addr, "pmctrl", fmt.Sprintf("%#x", ctrl))
	return d.Config.UpdateBits16(pm+PMCtrl, PMCtrlStateMask, PMCtrlStateD0)
}

// IsFLRSupported reports whether the device advertises function level reset.
func (d *Device) IsFLRSupported() bool {
	exp := d.Config.CapOffset(CapIDExp)
	if exp == 0 {
		return false
	}
	devcap, err := d.Config.Read32(exp + ExpDevCap)
	if err != nil {
		return false
	}
	return devcap&ExpDevCapFLR != 0
}

// IsBridge reports whether the function has a type 1 header.
func (d *Device) IsBridge() bool {
	return d.HeaderType&0x7f == 0x1
}
