// Package device models NVIDIA GPUs and NVSwitches at the register level:
// BAR0 access with bad-value detection, boot completion polling, generation
// feature flags, and the scratch registers that stage mode changes across
// resets.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
	"github.com/leptonai/gpuctl/pkg/pci"
)

// Kind distinguishes the two NVIDIA device classes the tool manages.
type Kind string

const (
	KindGPU      Kind = "gpu"
	KindNVSwitch Kind = "nvswitch"
)

const (
	// NV_PMC_BOOT_0, the architecture/revision register at BAR0 offset 0.
	RegBoot0 = 0x0

	// Boot completion status registers per generation.
	regBootDoneTuring  = 0x118234 // == 0x3ff when done
	regBootDoneHopper  = 0x200bc  // therm scratch, == 0xff when FSP boot succeeded
	regBootDoneLaguna  = 0x660bc  // == 0xff when done
	bootDoneTuringVal  = 0x3ff
	bootDoneFSPSuccess = 0xff

	// Mode registers.
	regCCHopper       = 0x1182cc // bits 1:0 CC mode, bit 5 PPCIe
	regCCBlackwell    = 0x590    // bits 1:0 CC mode, bit 2 BAR0 firewall
	regPPCIeLaguna    = 0x28c50  // bit 0
	regRecoveryLaguna = 0x66120  // bit 30
	regRecoveryGB100  = 0x8aa128 // low byte not in {0,1} means recovery

	// Scratch registers surviving FLR but not SBR, and vice versa.
	regSBRScratchHopper = 0x91288
	regSBRScratchAmpere = 0x88e10

	// VBIOS scratch block on Turing and later.
	regVBIOSScratchBase = 0x1400

	// ECC/MIG staging scratch.
	regEccScratchTuring = 0x118f78
	regEccScratchAmpere = 0x118f08
	forceEccOnTuringBit = 0x01000000

	// Memory clear status.
	regMemClearTuring    = 0x100b20
	regMemClearBlackwell = 0x8a004c

	// PDI (per-device identifier) registers on Ampere and later.
	regPDILow  = 0x820344
	regPDIHigh = 0x820348

	// GPIO input registers used for module ID decoding.
	regGPIOInputHopper = 0x21200
	regModuleIDLaguna  = 0xd740

	// How much of each BAR the tool maps. BAR1 is huge and only a sliver is
	// needed.
	Bar0Size = 16 * 1024 * 1024
	bar1Size = 1024 * 1024
)

// Device is an NVIDIA GPU or NVSwitch with its BARs mapped.
type Device struct {
	PCI  *pci.Device
	Kind Kind
	Info product.Info

	Bar0 pci.Region
	Bar1 pci.Region

	// Saved holds the config space snapshot taken at open time, restored
	// after resets.
	Saved *pci.Snapshot

	boot0 uint32
}

// Open prepares the NVIDIA device on top of an already-open PCI function:
// forces D0, enables MMIO decoding, maps BAR0/BAR1, resolves the generation,
// and captures the config space snapshot used after resets.
func Open(p *pci.Device) (*Device, error) {
	kind := KindGPU
	if p.Class == pci.ClassNVSwitch {
		kind = KindNVSwitch
	}

	if !p.Config.Responsive() {
		return nil, fmt.Errorf("%s config space reads all-ones: %w", p, errdefs.ErrUnresponsive)
	}
	if err := p.ForceD0(); err != nil {
		return nil, err
	}
	if err := p.Config.SetCommandMemory(true); err != nil {
		return nil, err
	}

	bar0, err := p.MapBarSlice(0, Bar0Size)
	if err != nil {
		return nil, err
	}
	var bar1 pci.Region
	if kind == KindGPU && len(p.Bars) > 1 {
		if bar1, err = p.MapBarSlice(1, bar1Size); err != nil {
			log.Logger.Debugw("BAR1 mapping failed, continuing without", "device", p.Addr, "error", err)
		}
	}

	d := &Device{PCI: p, Kind: kind, Bar0: bar0, Bar1: bar1}

	if kind == KindGPU {
		d.Info = product.Lookup(p.DeviceID, p.SubDevice)
	}

	if d.Info.Arch == product.ArchBlackwell {
		if err := d.waitForBar0Firewall(); err != nil {
			d.Close()
			return nil, err
		}
	}

	boot0, err := d.ReadBadOK(RegBoot0)
	if err != nil {
		d.Close()
		return nil, err
	}
	if boot0 == 0xffffffff {
		d.Close()
		return nil, fmt.Errorf("%s BAR0 reads all-ones: %w", p, errdefs.ErrUnresponsive)
	}
	d.boot0 = boot0

	if kind == KindNVSwitch {
		if info, ok := product.LookupNVSwitch(boot0); ok {
			d.Info = info
		} else {
			d.Info = product.Info{Arch: product.ArchUnknown, Chip: "unknown"}
		}
	}

	if d.Saved, err = pci.CaptureSnapshot(p.Config); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// OpenBroken wraps an unresponsive PCI function in a degraded Device so the
// recovery path can drive its upstream bridge and sysfs knobs. No BARs are
// mapped and no boot register is read; a config snapshot is captured only
// when config space still answers. Everything except recovery fails on the
// result.
func OpenBroken(p *pci.Device) *Device {
	kind := KindGPU
	if p.Class == pci.ClassNVSwitch {
		kind = KindNVSwitch
	}
	d := &Device{PCI: p, Kind: kind}
	if kind == KindGPU {
		d.Info = product.Lookup(p.DeviceID, p.SubDevice)
	}
	if p.Config.Responsive() {
		d.Saved, _ = pci.CaptureSnapshot(p.Config)
	}
	return d
}

// NewFromRegions builds a Device over caller-supplied regions, bypassing
// sysfs. Used by tests driving simulated hardware.
func NewFromRegions(kind Kind, info product.Info, p *pci.Device, bar0, bar1 pci.Region) *Device {
	d := &Device{PCI: p, Kind: kind, Info: info, Bar0: bar0, Bar1: bar1}
	if p != nil {
		d.Saved, _ = pci.CaptureSnapshot(p.Config)
	}
	return d
}

func (d *Device) Close() {
	if d.Bar0 != nil {
		_ = d.Bar0.Close()
	}
	if d.Bar1 != nil {
		_ = d.Bar1.Close()
	}
}

func (d *Device) String() string {
	name := d.Info.Name
	if name == "" {
		name = string(d.Kind)
	}
	if d.PCI != nil {
		return fmt.Sprintf("%s %s %04x:%04x", name, d.PCI.Addr, d.PCI.Vendor, d.PCI.DeviceID)
	}
	return name
}

// IsBadValue reports whether a BAR0 read came back as the fabric's all-ones
// fill or the 0xbadf pattern the GPU interconnect substitutes for errors.
func IsBadValue(v uint32) bool {
	return v == 0xffffffff || v>>16 == 0xbadf
}

// Read32 reads a BAR0 register and classifies bad-value patterns as
// ErrUnresponsive. Use ReadBadOK for registers that can legitimately hold
// those patterns.
func (d *Device) Read32(offset int) (uint32, error) {
	v, err := d.Bar0.Read32(offset)
	if err != nil {
		return 0, err
	}
	if IsBadValue(v) {
		return v, fmt.Errorf("%s BAR0 %#x reads %#x: %w", d, offset, v, errdefs.ErrUnresponsive)
	}
	return v, nil
}

// ReadBadOK reads a BAR0 register without bad-value classification.
func (d *Device) ReadBadOK(offset int) (uint32, error) {
	return d.Bar0.Read32(offset)
}

func (d *Device) Write32(offset int, value uint32) error {
	return d.Bar0.Write32(offset, value)
}

// WriteVerbose writes a register and debug-logs the before/after values.
func (d *Device) WriteVerbose(offset int, value uint32) error {
	old, _ := d.Bar0.Read32(offset)
	if err := d.Bar0.Write32(offset, value); err != nil {
		return err
	}
	newv, _ := d.Bar0.Read32(offset)
	log.Logger.Debugw("register write",
		"device", d.String(),
		"offset", fmt.Sprintf("%#x", offset),
		"value", fmt.Sprintf("%#x", value),
		"old", fmt.Sprintf("%#x", old),
		"new", fmt.Sprintf("%#x", newv))
	return nil
}

// UpdateBits32 read-modify-writes a BAR0 register, replacing the field
// selected by mask with value.
func (d *Device) UpdateBits32(offset int, mask, value uint32) error {
	v, err := d.Read32(offset)
	if err != nil {
		return err
	}
	return d.Write32(offset, (v&^mask)|value)
}

// PollRegister polls offset until (value & mask) == want, with a bounded
// timeout. badfOK reads with ReadBadOK, for registers that pass through bad
// patterns while the device boots.
func (d *Device) PollRegister(ctx context.Context, name string, offset int, want, mask uint32, timeout time.Duration, badfOK bool) error {
	read := d.Read32
	if badfOK {
		read = d.ReadBadOK
	}

	start := time.Now()
	var last uint32
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := read(offset)
		if err != nil {
			return fmt.Errorf("polling %s (%#x): %w", name, offset, err)
		}
		last = v
		if v&mask == want {
			return nil
		}
		if time.Since(start) > timeout {
			return fmt.Errorf("timed out polling %s (%#x): value %#x is not the expected %#x after %s",
				name, offset, last, want, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SanityCheck verifies the device still decodes config cycles and BAR0
// accesses. Returns ErrUnresponsive when it does not.
func (d *Device) SanityCheck() error {
	if d.PCI != nil && !d.PCI.Config.Responsive() {
		return fmt.Errorf("%s config space reads all-ones: %w", d, errdefs.ErrUnresponsive)
	}
	boot, err := d.ReadBadOK(RegBoot0)
	if err != nil {
		return err
	}
	if IsBadValue(boot) {
		return fmt.Errorf("%s BAR0 %#x = %#x: %w", d, RegBoot0, boot, errdefs.ErrUnresponsive)
	}
	return nil
}

// Boot0 returns the boot register value captured at open time.
func (d *Device) Boot0() uint32 { return d.boot0 }

// waitForBar0Firewall waits for the Blackwell BAR0 firewall to open after
// reset, via the DVSEC status bit when the capability is exposed.
func (d *Device) waitForBar0Firewall() error {
	if d.PCI != nil {
		if _, ok := d.PCI.Config.DVSEC[pci.DVSECKey{Vendor: pci.VendorNVIDIA, ID: 0}]; ok {
			return d.pollConfigRegister("bar_firewall", func() (uint32, error) {
				return d.PCI.Config.ReadDVSEC(pci.VendorNVIDIA, 0, 0x8)
			}, 0, 1<<20, 5*time.Second)
		}
	}

	v, err := d.ReadBadOK(RegBoot0)
	if err != nil {
		return err
	}
	if v == 0xffffffff {
		log.Logger.Warnw("BAR firewall may be active and no DVSEC status available, sleeping", "device", d.String())
		time.Sleep(3 * time.Second)
		if v, err = d.ReadBadOK(RegBoot0); err != nil {
			return err
		}
		if v == 0xffffffff {
			return fmt.Errorf("%s BAR0 still inaccessible behind firewall: %w", d, errdefs.ErrUnresponsive)
		}
	}
	return nil
}

func (d *Device) pollConfigRegister(name string, read func() (uint32, error), want, mask uint32, timeout time.Duration) error {
	start := time.Now()
	for {
		v, err := read()
		if err != nil {
			return err
		}
		if v&mask == want {
			return nil
		}
		if time.Since(start) > timeout {
			return fmt.Errorf("timed out polling %s: value %#x want %#x under mask %#x", name, v, want, mask)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// VBIOSScratch returns the BAR0 offset of the indexed VBIOS scratch
// register. All supported generations are Turing or later.
func (d *Device) VBIOSScratch(index int) int {
	return regVBIOSScratchBase + index*4
}

// FLRScratch is a scratch register cleared by any function level reset.
func (d *Device) FLRScratch() int { return d.VBIOSScratch(22) }

// SBRScratch is a scratch register cleared only by a bus-level reset.
func (d *Device) SBRScratch() int {
	if d.Info.Arch.AtLeast(product.ArchHopper) {
		return regSBRScratchHopper
	}
	if d.Info.Arch.AtLeast(product.ArchAmpere) {
		return regSBRScratchAmpere
	}
	return d.FLRScratch()
}
