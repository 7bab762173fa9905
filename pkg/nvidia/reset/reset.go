// Package reset performs function level, secondary bus, and OS-brokered
// resets of NVIDIA devices, restores their config space afterwards, and
// recovers devices that fall off the bus.
package reset

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp"
	"github.com/leptonai/gpuctl/pkg/pci"
)

const (
	flrSettleDelay = 100 * time.Millisecond

	// Configuration request retry status: the root port synthesizes this
	// vendor/device pattern while the function is still resetting.
	crsValue   = 0xffff0001
	crsTimeout = 5 * time.Second

	reappearTimeout = 5 * time.Second
)

// writeScratchMarkers puts sentinel values into scratch registers that
// specific reset kinds wipe, so the reset that actually happened can be told
// apart afterwards.
func writeScratchMarkers(d *device.Device) error {
	if err := d.WriteVerbose(d.FLRScratch(), 1); err != nil {
		return err
	}
	if d.SBRScratch() != d.FLRScratch() {
		return d.WriteVerbose(d.SBRScratch(), 1)
	}
	return nil
}

func checkScratchMarkers(d *device.Device) {
	flr, err := d.ReadBadOK(d.FLRScratch())
	if err != nil {
		return
	}
	sbr, err := d.ReadBadOK(d.SBRScratch())
	if err != nil {
		return
	}
	log.Logger.Debugw("reset scratch markers",
		"device", d.String(),
		"flrHappened", flr == 0,
		"busResetHappened", sbr == 0)
}

// restoreAfterReset brings the device back into an addressable state: config
// space restore, MMIO decoding, and a register sanity check.
func restoreAfterReset(d *device.Device) error {
	if d.Saved != nil {
		if err := d.Saved.Restore(d.PCI.Config); err != nil {
			return err
		}
	}
	if err := d.PCI.Config.SetCommandMemory(true); err != nil {
		return err
	}
	if err := d.SanityCheck(); err != nil {
		return err
	}
	checkScratchMarkers(d)
	return nil
}

// FLR performs a function level reset and restores the device.
func FLR(ctx context.Context, d *device.Device) error {
	if !d.PCI.IsFLRSupported() {
		return fmt.Errorf("%s: FLR: %w", d, errdefs.ErrNotSupported)
	}
	if err := writeScratchMarkers(d); err != nil {
		return err
	}

	exp := d.PCI.Config.CapOffset(pci.CapIDExp)
	devctl, err := d.PCI.Config.Read16(exp + pci.ExpDevCtl)
	if err != nil {
		return err
	}
	log.Logger.Infow("triggering FLR", "device", d.String())
	if err := d.PCI.Config.Write16(exp+pci.ExpDevCtl, devctl|pci.ExpDevCtlBCRFLR); err != nil {
		return err
	}
	time.Sleep(flrSettleDelay)

	if err := waitForCRS(ctx, d); err != nil {
		return err
	}
	return restoreAfterReset(d)
}

// waitForCRS waits until config reads stop returning the configuration
// request retry pattern.
func waitForCRS(ctx context.Context, d *device.Device) error {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := d.PCI.Config.Read32(0)
		if err != nil {
			return err
		}
		if id != crsValue {
			return nil
		}
		if time.Since(start) > crsTimeout {
			return fmt.Errorf("%s still replying with CRS %s after FLR: %w",
				d, crsTimeout, errdefs.ErrUnresponsive)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SBR resets the device by pulsing secondary bus reset on the upstream
// bridge, then restores the device.
func SBR(ctx context.Context, d *device.Device) error {
	bridge, err := d.PCI.Parent()
	if err != nil {
		return err
	}
	defer bridge.Close()

	if err := writeScratchMarkers(d); err != nil {
		return err
	}
	log.Logger.Infow("triggering secondary bus reset", "device", d.String(), "bridge", bridge.Addr)
	if err := bridge.SecondaryBusReset(ctx); err != nil {
		return err
	}
	return restoreAfterReset(d)
}

// OSReset delegates the reset method choice to the kernel via the sysfs
// reset file. The kernel saves and restores config space itself.
func OSReset(ctx context.Context, d *device.Device) error {
	if err := writeScratchMarkers(d); err != nil {
		return err
	}
	log.Logger.Infow("triggering OS reset", "device", d.String())
	if err := d.PCI.SysfsReset(); err != nil {
		return err
	}
	if err := d.PCI.Config.SetCommandMemory(true); err != nil {
		return err
	}
	if err := d.SanityCheck(); err != nil {
		return err
	}
	checkScratchMarkers(d)
	return nil
}

// armResetCoupling enables the coupling permission knob when needed and arms
// one-shot coupling for the next reset.
func armResetCoupling(ctx context.Context, d *device.Device) error {
	if !d.SupportsResetCoupling() {
		return fmt.Errorf("%s: reset coupling: %w", d, errdefs.ErrNotSupported)
	}
	client, err := fsp.New(ctx, d)
	if err != nil {
		return err
	}
	if err := client.EnableResetCoupling(ctx); err != nil {
		return err
	}
	return client.CoupleReset(ctx)
}

// CoupledFLR arms one-shot reset coupling in the firmware and then performs
// an FLR, which the firmware escalates to a whole-chip reset.
func CoupledFLR(ctx context.Context, d *device.Device) error {
	if err := armResetCoupling(ctx, d); err != nil {
		return err
	}
	return FLR(ctx, d)
}

// ArmFundamentalSBR arms reset coupling without resetting anything: the next
// secondary bus reset, whoever issues it, acts as a fundamental reset.
func ArmFundamentalSBR(ctx context.Context, d *device.Device) error {
	if err := armResetCoupling(ctx, d); err != nil {
		return err
	}
	log.Logger.Infow("next secondary bus reset will act as a fundamental reset", "device", d.String())
	return nil
}

// Any picks the least disruptive supported reset: FLR when the device
// advertises it, a bus reset otherwise.
func Any(ctx context.Context, d *device.Device) error {
	if d.PCI.IsFLRSupported() {
		return FLR(ctx, d)
	}
	return SBR(ctx, d)
}

func recoveryFailed(d *device.Device, err error) error {
	return fmt.Errorf("%s could not be recovered: %v: %w", d, err, errdefs.ErrRecoveryFailed)
}

// Recover tries to bring back a device that stopped responding: first a bus
// reset, then a remove and bus rescan. The returned device replaces the one
// passed in; when the rescan path runs, the old handles are closed and a
// freshly opened device comes back. ErrRecoveryFailed means the device needs
// a host power cycle.
func Recover(ctx context.Context, d *device.Device) (*device.Device, error) {
	if bridge, err := d.PCI.Parent(); err == nil {
		log.Logger.Warnw("attempting recovery via secondary bus reset", "device", d.String())
		err := bridge.SecondaryBusReset(ctx)
		bridge.Close()
		if err == nil {
			if nd, err := reviveAfterBusReset(d); err == nil {
				log.Logger.Infow("device recovered by bus reset", "device", nd.String())
				return nd, nil
			}
		}
	}

	log.Logger.Warnw("attempting recovery via remove and bus rescan", "device", d.String())
	if err := d.PCI.Remove(); err != nil {
		return nil, recoveryFailed(d, err)
	}
	path := d.PCI.Path
	d.Close()
	_ = d.PCI.Close()

	if err := d.PCI.RescanBus(); err != nil {
		return nil, recoveryFailed(d, err)
	}
	if err := waitForPath(ctx, path); err != nil {
		return nil, recoveryFailed(d, err)
	}

	p, err := d.PCI.Reopen()
	if err != nil {
		return nil, recoveryFailed(d, err)
	}
	nd, err := device.Open(p)
	if err != nil {
		p.Close()
		return nil, recoveryFailed(d, err)
	}
	if err := nd.SanityCheck(); err != nil {
		nd.Close()
		nd.PCI.Close()
		return nil, recoveryFailed(d, err)
	}
	log.Logger.Infow("device recovered by bus rescan", "device", nd.String())
	return nd, nil
}

// reviveAfterBusReset restores and verifies a device after a recovery bus
// reset. A device opened degraded has no BAR mapping to verify through, so
// it is reopened from scratch instead; on success the stale handles are
// closed and the fresh device takes their place.
func reviveAfterBusReset(d *device.Device) (*device.Device, error) {
	if d.Saved != nil {
		if err := d.Saved.Restore(d.PCI.Config); err != nil {
			return nil, err
		}
		_ = d.PCI.Config.SetCommandMemory(true)
	}
	if d.Bar0 != nil {
		return d, d.SanityCheck()
	}

	p, err := d.PCI.Reopen()
	if err != nil {
		return nil, err
	}
	nd, err := device.Open(p)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	d.Close()
	_ = d.PCI.Close()
	return nd, nil
}

func waitForPath(ctx context.Context, path string) error {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Since(start) > reappearTimeout {
			return fmt.Errorf("%s did not come back after rescan", path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
