package device

import (
	"context"
	"fmt"
	"time"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
)

// BootComplete reports whether the device's boot firmware has finished.
func (d *Device) BootComplete() (bool, error) {
	switch {
	case d.Kind == KindNVSwitch:
		if d.Info.Arch != product.ArchLaguna {
			return true, nil
		}
		v, err := d.Read32(regBootDoneLaguna)
		return v == bootDoneFSPSuccess, err
	case d.Info.Arch.AtLeast(product.ArchHopper):
		v, err := d.ReadBadOK(regBootDoneHopper)
		return v == bootDoneFSPSuccess, err
	case d.Info.Arch.AtLeast(product.ArchTuring):
		v, err := d.Read32(regBootDoneTuring)
		return v == bootDoneTuringVal, err
	default:
		return false, fmt.Errorf("%s: boot status query: %w", d, errdefs.ErrNotSupported)
	}
}

// WaitForBoot polls the boot completion register. Firmware queries and mode
// reads are only meaningful once this has succeeded.
func (d *Device) WaitForBoot(ctx context.Context) error {
	switch {
	case d.Kind == KindNVSwitch:
		if d.Info.Arch != product.ArchLaguna {
			return nil
		}
		return d.PollRegister(ctx, "boot_complete", regBootDoneLaguna, bootDoneFSPSuccess, 0xffffffff, 5*time.Second, false)
	case d.Info.Arch.AtLeast(product.ArchHopper):
		timeout := 5 * time.Second
		badfOK := false
		if d.Info.Arch.AtLeast(product.ArchBlackwell) {
			// Blackwell passes 0xbadf patterns through while FSP boots and
			// can take longer behind the BAR firewall.
			timeout = 10 * time.Second
			badfOK = true
			if err := d.waitForBar0Firewall(); err != nil {
				return err
			}
		}
		return d.PollRegister(ctx, "boot_complete", regBootDoneHopper, bootDoneFSPSuccess, 0xffffffff, timeout, badfOK)
	case d.Info.Arch.AtLeast(product.ArchTuring):
		return d.PollRegister(ctx, "boot_complete", regBootDoneTuring, bootDoneTuringVal, 0xffffffff, 5*time.Second, false)
	default:
		return fmt.Errorf("%s: boot polling: %w", d, errdefs.ErrNotSupported)
	}
}

// InRecovery reports whether the device firmware dropped into recovery mode
// instead of booting.
func (d *Device) InRecovery() bool {
	switch {
	case d.Kind == KindNVSwitch && d.Info.Arch == product.ArchLaguna:
		flags, err := d.ReadBadOK(regRecoveryLaguna)
		return err == nil && (flags>>30)&0x1 == 0x1
	case d.Kind == KindGPU && d.Info.Arch == product.ArchHopper:
		boot, err := d.ReadBadOK(RegBoot0)
		return err == nil && boot == 0
	case d.Kind == KindGPU && d.Info.Arch.AtLeast(product.ArchBlackwell):
		status, err := d.ReadBadOK(regRecoveryGB100)
		if err != nil || IsBadValue(status) {
			return false
		}
		return status&0xff != 0x0 && status&0xff != 0x1
	}
	return false
}

// WaitForMemoryClear waits for the post-boot VRAM scrub to finish. ECC state
// only settles once memory initialization is done.
func (d *Device) WaitForMemoryClear(ctx context.Context) error {
	if d.Kind != KindGPU || !d.Info.Arch.AtLeast(product.ArchTuring) {
		return fmt.Errorf("%s: memory clear: %w", d, errdefs.ErrNotSupported)
	}

	// Turing and later run multiple clears asynchronously; boot completion
	// guarantees the last one has started.
	if err := d.WaitForBoot(ctx); err != nil {
		return err
	}

	reg := regMemClearTuring
	if d.Info.Arch.AtLeast(product.ArchBlackwell) {
		reg = regMemClearBlackwell
	}
	return d.PollRegister(ctx, "memory_clear_finished", reg, 0x1, 0xffffffff, 5*time.Second, false)
}
