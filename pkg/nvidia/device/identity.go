package device

import (
	"fmt"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
)

// HasPDI reports whether the device exposes a per-device identifier.
func (d *Device) HasPDI() bool {
	if d.Kind == KindNVSwitch {
		return d.Info.Arch == product.ArchLaguna
	}
	return d.Info.Arch.AtLeast(product.ArchAmpere)
}

// PDI reads the 64-bit per-device identifier, which doubles as the device
// certificate serial number. Both 0x41 and 0x40 are valid top bytes; the
// attestation certificate encodes the serial with the MSB forced to 0x41.
func (d *Device) PDI() (uint64, error) {
	if !d.HasPDI() {
		return 0, fmt.Errorf("%s: PDI: %w", d, errdefs.ErrNotSupported)
	}
	lo, err := d.Read32(regPDILow)
	if err != nil {
		return 0, err
	}
	hi, err := d.Read32(regPDIHigh)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// SupportsModuleName reports whether the physical module position can be
// read: SXM form factor Hopper boards and Laguna NVSwitches.
func (d *Device) SupportsModuleName() bool {
	if d.Kind == KindNVSwitch {
		return d.Info.Arch == product.ArchLaguna
	}
	return d.Info.Arch == product.ArchHopper && d.Info.Flags.IsSXM
}

// ModuleName resolves the physical module the device sits in, e.g. "SXM_4"
// or "NVSwitch_2", matching the names in baseboard NVLink topology tables.
func (d *Device) ModuleName() (string, error) {
	id, err := d.moduleID()
	if err != nil {
		return "", err
	}
	if d.Kind == KindNVSwitch {
		return fmt.Sprintf("NVSwitch_%d", id), nil
	}
	// GPU modules are numbered from 1.
	return fmt.Sprintf("SXM_%d", id+1), nil
}

func (d *Device) moduleID() (uint32, error) {
	if !d.SupportsModuleName() {
		return 0, fmt.Errorf("%s: module id: %w", d, errdefs.ErrNotSupported)
	}
	if d.Kind == KindNVSwitch {
		return d.moduleIDLaguna()
	}
	return d.moduleIDHopperSXM()
}

// moduleIDHopperSXM decodes the module ID from board straps readable in the
// GPIO input registers.
func (d *Device) moduleIDHopperSXM() (uint32, error) {
	gpios := []int{0x9, 0x11, 0x12}

	var id uint32
	for i, gpio := range gpios {
		v, err := d.Read32(regGPIOInputHopper + 4*gpio)
		if err != nil {
			return 0, err
		}
		id |= ((v >> 14) & 0x1) << i
	}
	if d.Info.Flags.HasModuleIDBitFlip {
		id ^= 0x4
	}
	return id, nil
}

// moduleIDLaguna reads the strap bits through the GPIO mux register,
// restoring the mux selection afterwards.
func (d *Device) moduleIDLaguna() (uint32, error) {
	orig, err := d.Read32(regModuleIDLaguna)
	if err != nil {
		return 0, err
	}

	var id uint32
	for i := 0; i < 2; i++ {
		if err := d.Write32(regModuleIDLaguna, uint32(i)); err != nil {
			return 0, err
		}
		v, err := d.Read32(regModuleIDLaguna)
		if err != nil {
			return 0, err
		}
		id |= ((v >> 9) & 0x1) << i
	}
	if err := d.Write32(regModuleIDLaguna, orig); err != nil {
		return 0, err
	}
	return id, nil
}

// MemorySize computes the VRAM size in bytes from the memory config
// register, accounting for the ECC checksum carve-out.
func (d *Device) MemorySize() (uint64, error) {
	if d.Kind != KindGPU {
		return 0, fmt.Errorf("%s: memory size: %w", d, errdefs.ErrNotSupported)
	}

	configOffset := 0x100ce0
	if d.Info.Arch.AtLeast(product.ArchBlackwell) {
		configOffset = 0x1fa3e0
	}
	var magMask uint32 = (1 << (9 - 4 + 1)) - 1
	if d.Info.Arch.AtLeast(product.ArchHopper) {
		magMask = (1 << (27 - 4 + 1)) - 1
	}

	config, err := d.Read32(configOffset)
	if err != nil {
		return 0, err
	}
	scale := config & 0xf
	mag := (config >> 4) & magMask
	size := uint64(mag) << (scale + 20)
	if (config>>30)&1 == 1 {
		size = size * 15 / 16
	}
	return size, nil
}
