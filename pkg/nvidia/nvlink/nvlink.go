// Package nvlink disables NVLink links on GPUs and NVSwitches. Ampere
// exposes per-link block registers in BAR0; Hopper and Laguna route blocking
// through the FSP, which also offers persistence across resets.
package nvlink

import (
	"context"
	"fmt"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
)

// Ampere per-link IOCTRL layout.
const (
	ampereLinkBase      = 0xa00000
	ampereGroupStride   = 0x40000
	ampereLinkOffset    = 0x17000
	ampereLinkStride    = 0x8000
	ampereLinksPerGroup = 4

	regLinkBlock = 0x64c
	regLinkLock  = 0x650
)

// LinkCount returns the number of NVLink links the device has, or
// ErrNotSupported for generations without blockable links.
func LinkCount(d *device.Device) (int, error) {
	switch {
	case d.Kind == device.KindNVSwitch && d.Info.Arch == product.ArchLaguna:
		return 64, nil
	case d.Kind == device.KindGPU && d.Info.Arch == product.ArchHopper:
		return 18, nil
	case d.Kind == device.KindGPU && d.Info.Arch == product.ArchAmpere:
		return 12, nil
	}
	return 0, fmt.Errorf("%s: NVLink blocking: %w", d, errdefs.ErrNotSupported)
}

// SupportsBlocking reports whether links can be blocked at all.
func SupportsBlocking(d *device.Device) bool {
	_, err := LinkCount(d)
	return err == nil
}

// ClearedByFLR reports whether a function level reset re-enables blocked
// links. On Ampere only a bus reset does; with the firmware path any reset
// applies the staged mask, so a blocked link stays blocked and an unblocked
// one comes back.
func ClearedByFLR(d *device.Device) bool {
	return d.HasFSP()
}

// AllLinksMask returns the mask covering every link of the device.
func AllLinksMask(d *device.Device) (uint64, error) {
	count, err := LinkCount(d)
	if err != nil {
		return 0, err
	}
	return 1<<count - 1, nil
}

// Block disables the masked links. On Ampere the block registers take effect
// at the next reset and hold until a bus reset; persistence is not
// available. On Hopper and Laguna the mask is staged in the FSP and applied
// by any reset, optionally persisting across further resets.
func Block(ctx context.Context, d *device.Device, mask uint64, persistent bool) error {
	all, err := AllLinksMask(d)
	if err != nil {
		return err
	}
	if mask&^all != 0 {
		return fmt.Errorf("%s: link mask %#x exceeds the device's %#x: %w",
			d, mask, all, errdefs.ErrOutOfRange)
	}

	if d.HasFSP() {
		client, err := fsp.New(ctx, d)
		if err != nil {
			return err
		}
		return client.BlockNVLinks(ctx, mask, persistent)
	}

	if persistent {
		return fmt.Errorf("%s: persistent NVLink blocking: %w", d, errdefs.ErrNotSupported)
	}
	return blockAmpere(d, mask)
}

// BlockAll disables every link of the device.
func BlockAll(ctx context.Context, d *device.Device, persistent bool) error {
	mask, err := AllLinksMask(d)
	if err != nil {
		return err
	}
	return Block(ctx, d, mask, persistent)
}

func ampereLinkOffsetOf(link int) int {
	return ampereLinkBase +
		ampereGroupStride*(link/ampereLinksPerGroup) +
		ampereLinkOffset +
		ampereLinkStride*(link%ampereLinksPerGroup)
}

func blockAmpere(d *device.Device, mask uint64) error {
	for link := 0; mask>>link != 0; link++ {
		if mask>>link&1 == 0 {
			continue
		}
		base := ampereLinkOffsetOf(link)
		if err := d.Write32(base+regLinkBlock, 1); err != nil {
			return err
		}
		// The lock prevents the driver from undoing the block.
		if err := d.Write32(base+regLinkLock, 1); err != nil {
			return err
		}
	}
	log.Logger.Infow("blocked NVLinks until the next bus reset",
		"device", d.String(), "mask", fmt.Sprintf("%#x", mask))
	return nil
}

// Blocked returns the mask of currently blocked links. Only Ampere exposes
// the state through registers; the firmware path is write-only.
func Blocked(d *device.Device) (uint64, error) {
	if d.Kind != device.KindGPU || d.Info.Arch != product.ArchAmpere {
		return 0, fmt.Errorf("%s: querying blocked NVLinks: %w", d, errdefs.ErrNotSupported)
	}
	count, err := LinkCount(d)
	if err != nil {
		return 0, err
	}

	var mask uint64
	for link := 0; link < count; link++ {
		base := ampereLinkOffsetOf(link)
		blocked, err := d.ReadBadOK(base + regLinkBlock)
		if err != nil {
			return 0, err
		}
		locked, err := d.ReadBadOK(base + regLinkLock)
		if err != nil {
			return 0, err
		}
		if blocked == 1 && locked == 1 {
			mask |= 1 << link
		}
	}
	return mask, nil
}
