package device

import (
	"context"
	"fmt"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
)

// CCMode is the confidential computing mode of a device.
type CCMode string

const (
	CCModeOff      CCMode = "off"
	CCModeOn       CCMode = "on"
	CCModeDevtools CCMode = "devtools"

	// CCModeInvalid is reported when the register holds the devtools bit
	// without the enable bit, a state only reachable through partial
	// programming. Setting the mode again repairs it.
	CCModeInvalid CCMode = "invalid"
)

// Feature support per generation.

func (d *Device) SupportsCC() bool {
	return d.Kind == KindGPU && d.Info.Arch.AtLeast(product.ArchHopper)
}

func (d *Device) SupportsPPCIe() bool {
	if d.Kind == KindNVSwitch {
		return d.Info.Arch == product.ArchLaguna
	}
	return d.Info.Arch == product.ArchHopper
}

func (d *Device) SupportsBar0Firewall() bool {
	return d.Kind == KindGPU && d.Info.Arch.AtLeast(product.ArchBlackwell)
}

func (d *Device) SupportsResetCoupling() bool {
	return d.Kind == KindGPU && d.Info.Arch == product.ArchHopper
}

func (d *Device) SupportsSettingECCAfterReset() bool {
	return d.Kind == KindGPU && d.Info.Arch.AtLeast(product.ArchAmpere)
}

func (d *Device) SupportsForcingECCOn() bool {
	return d.Kind == KindGPU && d.Info.Arch.AtLeast(product.ArchTuring)
}

// SupportsMIG covers the GA100-based datacenter boards (A100, A30).
func (d *Device) SupportsMIG() bool {
	return d.Kind == KindGPU && d.Info.Chip == "ga100"
}

func (d *Device) HasFSP() bool {
	if d.Kind == KindNVSwitch {
		return d.Info.Arch == product.ArchLaguna
	}
	return d.Info.Arch.AtLeast(product.ArchHopper)
}

// QueryCCMode reads the confidential computing mode register. Requires boot
// to be complete for the value to be meaningful.
func (d *Device) QueryCCMode(ctx context.Context) (CCMode, error) {
	if !d.SupportsCC() {
		return "", fmt.Errorf("%s: CC mode: %w", d, errdefs.ErrNotSupported)
	}
	if err := d.WaitForBoot(ctx); err != nil {
		return "", err
	}

	reg := regCCHopper
	if d.Info.Arch.AtLeast(product.ArchBlackwell) {
		reg = regCCBlackwell
	}
	v, err := d.Read32(reg)
	if err != nil {
		return "", err
	}
	switch v & 0x3 {
	case 0x0:
		return CCModeOff, nil
	case 0x1:
		return CCModeOn, nil
	case 0x3:
		return CCModeDevtools, nil
	}
	return CCModeInvalid, nil
}

// QueryPPCIeMode reads the protected PCIe mode.
func (d *Device) QueryPPCIeMode(ctx context.Context) (bool, error) {
	if !d.SupportsPPCIe() {
		return false, fmt.Errorf("%s: PPCIe mode: %w", d, errdefs.ErrNotSupported)
	}
	if err := d.WaitForBoot(ctx); err != nil {
		return false, err
	}

	if d.Kind == KindNVSwitch {
		v, err := d.Read32(regPPCIeLaguna)
		return v&0x1 == 0x1, err
	}
	v, err := d.Read32(regCCHopper)
	return v&0x20 == 0x20, err
}

// QueryBar0Firewall reads the BAR0 firewall mode on Blackwell and later.
func (d *Device) QueryBar0Firewall() (bool, error) {
	if !d.SupportsBar0Firewall() {
		return false, fmt.Errorf("%s: BAR0 firewall: %w", d, errdefs.ErrNotSupported)
	}
	v, err := d.Read32(regCCBlackwell)
	return v&0x4 == 0x4, err
}

// ECCEnabled reads the live ECC state. Call after WaitForMemoryClear for the
// settled post-boot value.
func (d *Device) ECCEnabled() (bool, error) {
	if d.Kind != KindGPU {
		return false, fmt.Errorf("%s: ECC state: %w", d, errdefs.ErrNotSupported)
	}
	v, err := d.Read32(0x9a0470)
	return v&0x1 == 0x1, err
}

// QueryFinalECCState waits for memory initialization and reads the settled
// ECC state. On Hopper and later the read is blocked while CC or PPCIe mode
// is on.
func (d *Device) QueryFinalECCState(ctx context.Context) (bool, error) {
	if d.Info.Arch.AtLeast(product.ArchHopper) {
		if err := d.WaitForBoot(ctx); err != nil {
			return false, err
		}
		if d.SupportsPPCIe() {
			if on, err := d.QueryPPCIeMode(ctx); err == nil && on {
				return false, fmt.Errorf("%s has PPCIe mode on and querying ECC is blocked", d)
			}
		}
		if mode, err := d.QueryCCMode(ctx); err == nil && mode == CCModeOn {
			return false, fmt.Errorf("%s has CC mode on and querying ECC is blocked", d)
		}
	}
	if err := d.WaitForMemoryClear(ctx); err != nil {
		return false, err
	}
	return d.ECCEnabled()
}

// StageECCMode stages an ECC enable/disable in scratch, effective after the
// next reset. Pre-Hopper path; Hopper and later stage through firmware.
func (d *Device) StageECCMode(enabled bool) error {
	if !d.SupportsSettingECCAfterReset() {
		return fmt.Errorf("%s: staging ECC: %w", d, errdefs.ErrNotSupported)
	}
	if d.Info.Arch.AtLeast(product.ArchHopper) {
		return fmt.Errorf("%s: ECC is staged via firmware on this generation: %w", d, errdefs.ErrNotSupported)
	}

	scratch := regEccScratchTuring
	if d.Info.Arch.AtLeast(product.ArchAmpere) && d.Info.Chip != "ga100" {
		scratch = regEccScratchAmpere
	}
	// Bits 13:12, 3 = enable, 2 = disable.
	val := uint32(2)
	if enabled {
		val = 3
	}
	if err := d.UpdateBits32(scratch, 0x3<<12, val<<12); err != nil {
		return err
	}
	log.Logger.Infow("staged ECC for next reset", "device", d.String(), "enabled", enabled)
	return nil
}

// ForceECCOnAfterReset sets the Turing scratch bit that forces ECC on across
// the next reset.
func (d *Device) ForceECCOnAfterReset() error {
	if d.Info.Arch != product.ArchTuring {
		return fmt.Errorf("%s: forcing ECC on: %w", d, errdefs.ErrNotSupported)
	}
	v, err := d.Read32(regEccScratchTuring)
	if err != nil {
		return err
	}
	if err := d.WriteVerbose(regEccScratchTuring, v|forceEccOnTuringBit); err != nil {
		return err
	}
	log.Logger.Infow("forced ECC on after next reset", "device", d.String())
	return nil
}

// StageMIGMode stages a MIG enable/disable in scratch, effective after the
// next reset.
func (d *Device) StageMIGMode(enabled bool) error {
	if !d.SupportsMIG() {
		return fmt.Errorf("%s: MIG: %w", d, errdefs.ErrNotSupported)
	}
	// Bits 15:14, 3 = enable, 2 = disable.
	val := uint32(2)
	if enabled {
		val = 3
	}
	if err := d.UpdateBits32(regEccScratchTuring, 0x3<<14, val<<14); err != nil {
		return err
	}
	log.Logger.Infow("staged MIG for next reset", "device", d.String(), "enabled", enabled)
	return nil
}

// QueryMIGMode reads the effective MIG state from VBIOS scratch.
func (d *Device) QueryMIGMode(ctx context.Context) (bool, error) {
	if !d.SupportsMIG() {
		return false, fmt.Errorf("%s: MIG: %w", d, errdefs.ErrNotSupported)
	}
	if err := d.WaitForBoot(ctx); err != nil {
		return false, err
	}
	v, err := d.Read32(d.VBIOSScratch(1))
	if err != nil {
		return false, err
	}
	status := (v >> 13) & 0x7
	log.Logger.Debugw("MIG status", "device", d.String(), "status", status)
	return status&0x4 == 0x4, nil
}
