// Package knobs drives the persistent security knobs of NVIDIA devices:
// confidential computing, protected PCIe, the BAR0 firewall, ECC, and MIG.
// Values staged here take effect at the next reset; the current mode is read
// from registers by pkg/nvidia/device.
package knobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp"
)

// ccConflictingKnobs must be zeroed before enabling CC or PPCIe: reset
// coupling and the reserved test features are incompatible with either mode.
var ccConflictingKnobs = []fsp.Knob{2, fsp.KnobForceResetCoupling, 34}

// zeroKnob writes 0 with optional tolerance for firmware that predates the
// knob.
func zeroKnob(ctx context.Context, c *fsp.Client, knob fsp.Knob, tolerateInvalid bool) error {
	_, err := c.CheckAndWriteKnob(ctx, knob, 0)
	if err != nil && tolerateInvalid {
		var rpcErr *fsp.Error
		if errors.As(err, &rpcErr) && rpcErr.IsInvalidKnob() {
			log.Logger.Debugw("firmware predates knob, skipping", "knob", knob.String())
			return nil
		}
	}
	return err
}

// SetCCMode stages a confidential computing mode change, effective at the
// next reset. Enabling CC disables the conflicting features first; the write
// order of the CC knobs themselves keeps the device out of the invalid
// partially-programmed state whichever write a failure lands on.
func SetCCMode(ctx context.Context, d *device.Device, mode device.CCMode) error {
	if !d.SupportsCC() {
		return fmt.Errorf("%s: CC: %w", d, errdefs.ErrNotSupported)
	}

	var ccMode, ccDevMode, decoupler uint16
	switch mode {
	case device.CCModeOn:
		ccMode = 1
		decoupler = 0x2
	case device.CCModeDevtools:
		ccMode = 1
		ccDevMode = 1
	case device.CCModeOff:
	default:
		return fmt.Errorf("unknown CC mode %q", mode)
	}

	client, err := fsp.New(ctx, d)
	if err != nil {
		return err
	}

	if ccMode == 1 {
		for _, knob := range ccConflictingKnobs {
			if err := zeroKnob(ctx, client, knob, false); err != nil {
				return err
			}
		}
		if d.SupportsPPCIe() {
			// PPCIe shipped after CC; older firmware rejects the knob.
			if err := zeroKnob(ctx, client, fsp.KnobPPCIe, true); err != nil {
				return err
			}
		}
	}

	if _, err := client.CheckAndWriteKnob(ctx, fsp.KnobBar0Decoupler, decoupler); err != nil {
		return err
	}

	// Enable the mode knob before the devtools knob, disable in the reverse
	// order.
	if ccMode == 1 {
		if _, err := client.CheckAndWriteKnob(ctx, fsp.KnobCCM, ccMode); err != nil {
			return err
		}
		_, err := client.CheckAndWriteKnob(ctx, fsp.KnobCCD, ccDevMode)
		return err
	}
	if _, err := client.CheckAndWriteKnob(ctx, fsp.KnobCCD, ccDevMode); err != nil {
		return err
	}
	_, err = client.CheckAndWriteKnob(ctx, fsp.KnobCCM, ccMode)
	return err
}

// PendingCCMode reads the staged CC knobs, i.e. the mode that will be live
// after the next reset.
func PendingCCMode(ctx context.Context, d *device.Device) (device.CCMode, error) {
	if !d.SupportsCC() {
		return "", fmt.Errorf("%s: CC: %w", d, errdefs.ErrNotSupported)
	}
	client, err := fsp.New(ctx, d)
	if err != nil {
		return "", err
	}
	ccm, err := client.ReadKnob(ctx, fsp.KnobCCM)
	if err != nil {
		return "", err
	}
	ccd, err := client.ReadKnob(ctx, fsp.KnobCCD)
	if err != nil {
		return "", err
	}
	switch {
	case ccm == 0 && ccd == 0:
		return device.CCModeOff, nil
	case ccm == 1 && ccd == 0:
		return device.CCModeOn, nil
	case ccm == 1 && ccd == 1:
		return device.CCModeDevtools, nil
	}
	return device.CCModeInvalid, nil
}

// SetPPCIeMode stages a protected PCIe mode change, effective at the next
// reset. PPCIe and CC are mutually exclusive, enabling one disables the
// other.
func SetPPCIeMode(ctx context.Context, d *device.Device, enable bool) error {
	if !d.SupportsPPCIe() {
		return fmt.Errorf("%s: PPCIe: %w", d, errdefs.ErrNotSupported)
	}
	client, err := fsp.New(ctx, d)
	if err != nil {
		return err
	}

	var value uint16
	if enable {
		value = 1
		for _, knob := range append(ccConflictingKnobs, fsp.KnobCCD, fsp.KnobCCM) {
			if err := zeroKnob(ctx, client, knob, false); err != nil {
				return err
			}
		}
	}
	_, err = client.CheckAndWriteKnob(ctx, fsp.KnobPPCIe, value)
	return err
}

// PendingPPCIeMode reads the staged PPCIe knob.
func PendingPPCIeMode(ctx context.Context, d *device.Device) (bool, error) {
	if !d.SupportsPPCIe() {
		return false, fmt.Errorf("%s: PPCIe: %w", d, errdefs.ErrNotSupported)
	}
	client, err := fsp.New(ctx, d)
	if err != nil {
		return false, err
	}
	v, err := client.ReadKnob(ctx, fsp.KnobPPCIe)
	return v == 1, err
}

// SetBar0Firewall stages the BAR0 firewall state on devices that have one.
func SetBar0Firewall(ctx context.Context, d *device.Device, enable bool) error {
	if !d.SupportsBar0Firewall() {
		return fmt.Errorf("%s: BAR0 firewall: %w", d, errdefs.ErrNotSupported)
	}
	client, err := fsp.New(ctx, d)
	if err != nil {
		return err
	}
	var value uint16
	if enable {
		value = 1
	}
	_, err = client.CheckAndWriteKnob(ctx, fsp.KnobBar0Decoupler, value)
	return err
}

// SetECC stages the ECC state for the next reset. Hopper and later stage it
// through the firmware, which can also make it persist across further
// resets; earlier generations use the scratch register protocol and know no
// persistence.
func SetECC(ctx context.Context, d *device.Device, enable, persistent bool) error {
	if d.Kind == device.KindGPU && d.HasFSP() {
		client, err := fsp.New(ctx, d)
		if err != nil {
			return err
		}
		return client.SetECC(ctx, enable, persistent)
	}
	if persistent {
		return fmt.Errorf("%s: persistent ECC: %w", d, errdefs.ErrNotSupported)
	}
	return d.StageECCMode(enable)
}

// SetMIG stages the MIG state for the next reset.
func SetMIG(ctx context.Context, d *device.Device, enable bool) error {
	return d.StageMIGMode(enable)
}

// Setting is one knob's pending value for reporting.
type Setting struct {
	Knob  fsp.Knob
	Value uint16
}

func querySettings(ctx context.Context, d *device.Device, knobList []fsp.Knob) ([]Setting, error) {
	client, err := fsp.New(ctx, d)
	if err != nil {
		return nil, err
	}
	var settings []Setting
	for _, knob := range knobList {
		v, err := client.ReadKnob(ctx, knob)
		if err != nil {
			var rpcErr *fsp.Error
			if errors.As(err, &rpcErr) && rpcErr.IsInvalidKnob() {
				continue
			}
			return nil, err
		}
		settings = append(settings, Setting{Knob: knob, Value: v})
	}
	return settings, nil
}

// CCSettings reads the pending values of the CC-related knobs.
func CCSettings(ctx context.Context, d *device.Device) ([]Setting, error) {
	if !d.SupportsCC() {
		return nil, fmt.Errorf("%s: CC: %w", d, errdefs.ErrNotSupported)
	}
	return querySettings(ctx, d, []fsp.Knob{
		fsp.KnobCCDAllowInband,
		fsp.KnobCCD,
		fsp.KnobCCMAllowInband,
		fsp.KnobCCM,
		fsp.KnobBar0DecouplerAllowInband,
		fsp.KnobBar0Decoupler,
	})
}

// PPCIeSettings reads the pending values of the PPCIe-related knobs.
func PPCIeSettings(ctx context.Context, d *device.Device) ([]Setting, error) {
	if !d.SupportsPPCIe() {
		return nil, fmt.Errorf("%s: PPCIe: %w", d, errdefs.ErrNotSupported)
	}
	return querySettings(ctx, d, []fsp.Knob{
		fsp.KnobPPCIeAllowInband,
		fsp.KnobPPCIe,
	})
}

// All reads every knob the firmware implements.
func All(ctx context.Context, d *device.Device) ([]fsp.KnobState, error) {
	client, err := fsp.New(ctx, d)
	if err != nil {
		return nil, err
	}
	return client.QueryKnobs(ctx)
}

// ResetToDefaults stages every security knob back to its default (0). With
// assumeNoPendingChanges the pending state is not read first and only knobs
// whose live mode differs from the default are written, sparing EEPROM
// cycles on fleets known to carry no staged changes.
func ResetToDefaults(ctx context.Context, d *device.Device, assumeNoPendingChanges bool) error {
	if !d.HasFSP() {
		return fmt.Errorf("%s: knob reset: %w", d, errdefs.ErrNotSupported)
	}
	client, err := fsp.New(ctx, d)
	if err != nil {
		return err
	}

	targets := []fsp.Knob{fsp.KnobCCD, fsp.KnobCCM, fsp.KnobBar0Decoupler}
	if d.SupportsPPCIe() {
		targets = append(targets, fsp.KnobPPCIe)
	}

	if assumeNoPendingChanges {
		var dirty []fsp.Knob
		if d.SupportsCC() {
			if mode, err := d.QueryCCMode(ctx); err == nil && mode != device.CCModeOff {
				dirty = append(dirty, fsp.KnobCCD, fsp.KnobCCM, fsp.KnobBar0Decoupler)
			}
		}
		if d.SupportsPPCIe() {
			if on, err := d.QueryPPCIeMode(ctx); err == nil && on {
				dirty = append(dirty, fsp.KnobPPCIe)
			}
		}
		targets = dirty
	}

	for _, knob := range targets {
		var err error
		if assumeNoPendingChanges {
			err = client.WriteKnob(ctx, knob, 0)
		} else {
			err = zeroKnob(ctx, client, knob, true)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
