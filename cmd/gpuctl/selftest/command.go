// Package selftest implements "gpuctl test", destructive round-trip checks
// of the mode staging machinery. Each test drives a device through real
// resets and restores the initial state afterwards.
package selftest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp"
	pkgknobs "github.com/leptonai/gpuctl/pkg/nvidia/knobs"
	pkgreset "github.com/leptonai/gpuctl/pkg/nvidia/reset"
)

const testTimeout = 15 * time.Minute

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		return cmdTest(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.Bool("devmem"),
			cliContext.Bool("ignore-nvidia-driver"),
			cliContext.Bool("cc-mode-switch"),
			cliContext.Bool("ppcie-mode-switch"),
			cliContext.Bool("ecc-toggle"),
			cliContext.Bool("mig-toggle"),
			cliContext.Bool("knobs"),
		)
	}
}

func cmdTest(logLevel, selector string, devmem, ignoreDriver bool, ccSwitch, ppcieSwitch, eccToggle, migToggle, knobsCheck bool) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
	}
	if !ccSwitch && !ppcieSwitch && !eccToggle && !migToggle && !knobsCheck {
		return fmt.Errorf("nothing to test; pass one of --cc-mode-switch, --ppcie-mode-switch, --ecc-toggle, --mig-toggle, --knobs")
	}

	devices, err := common.OpenDevices(selector, devmem, ignoreDriver)
	if err != nil {
		return err
	}
	defer common.CloseAll(devices)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	type namedTest struct {
		name    string
		enabled bool
		run     func(context.Context, *device.Device) error
	}
	tests := []namedTest{
		{"cc-mode-switch", ccSwitch, testCCModeSwitch},
		{"ppcie-mode-switch", ppcieSwitch, testPPCIeModeSwitch},
		{"ecc-toggle", eccToggle, testECCToggle},
		{"mig-toggle", migToggle, testMIGToggle},
		{"knobs", knobsCheck, testKnobs},
	}

	var errs []error
	for _, d := range devices {
		for _, tt := range tests {
			if !tt.enabled {
				continue
			}
			log.Logger.Infow("running test", "device", d.PCI.Addr, "test", tt.name)
			if err := tt.run(ctx, d); err != nil {
				log.Logger.Errorw("test failed", "device", d.PCI.Addr, "test", tt.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %s: %w", d, tt.name, err))
				// A failed mode test leaves the device in an unknown
				// state; skip its remaining tests.
				break
			}
			fmt.Printf("%s: %s passed\n", d.PCI.Addr, tt.name)
		}
	}
	return errors.Join(errs...)
}

// testCCModeSwitch walks the device through every CC mode with a reset in
// between, verifying both the staged and the live value, then restores the
// mode it started in.
func testCCModeSwitch(ctx context.Context, d *device.Device) error {
	if !d.SupportsCC() {
		return fmt.Errorf("cc mode unsupported on %s", d.Info.Arch)
	}
	initial, err := pkgknobs.PendingCCMode(ctx, d)
	if err != nil {
		return err
	}

	for _, mode := range []device.CCMode{device.CCModeOn, device.CCModeDevtools, device.CCModeOff} {
		if err := switchCCMode(ctx, d, mode); err != nil {
			return err
		}
	}
	if initial != device.CCModeOff {
		return switchCCMode(ctx, d, initial)
	}
	return nil
}

func switchCCMode(ctx context.Context, d *device.Device, mode device.CCMode) error {
	if err := pkgknobs.SetCCMode(ctx, d, mode); err != nil {
		return err
	}
	if pending, err := pkgknobs.PendingCCMode(ctx, d); err != nil {
		return err
	} else if pending != mode {
		return fmt.Errorf("staged cc mode %q, firmware reports %q", mode, pending)
	}
	if err := pkgreset.Any(ctx, d); err != nil {
		return err
	}
	live, err := d.QueryCCMode(ctx)
	if err != nil {
		return err
	}
	if live != mode {
		return fmt.Errorf("cc mode %q did not take effect after reset, device reports %q", mode, live)
	}
	return nil
}

func testPPCIeModeSwitch(ctx context.Context, d *device.Device) error {
	if !d.SupportsPPCIe() {
		return fmt.Errorf("ppcie mode unsupported on %s", d.Info.Arch)
	}
	initial, err := pkgknobs.PendingPPCIeMode(ctx, d)
	if err != nil {
		return err
	}

	for _, enable := range []bool{!initial, initial} {
		if err := pkgknobs.SetPPCIeMode(ctx, d, enable); err != nil {
			return err
		}
		if err := pkgreset.Any(ctx, d); err != nil {
			return err
		}
		live, err := d.QueryPPCIeMode(ctx)
		if err != nil {
			return err
		}
		if live != enable {
			return fmt.Errorf("ppcie mode %t did not take effect after reset", enable)
		}
	}
	return nil
}

func testECCToggle(ctx context.Context, d *device.Device) error {
	initial, err := d.QueryFinalECCState(ctx)
	if err != nil {
		return err
	}

	for _, enable := range []bool{!initial, initial} {
		if err := pkgknobs.SetECC(ctx, d, enable, false); err != nil {
			return err
		}
		if err := pkgreset.Any(ctx, d); err != nil {
			return err
		}
		state, err := d.QueryFinalECCState(ctx)
		if err != nil {
			return err
		}
		if state != enable {
			return fmt.Errorf("ecc %t did not take effect after reset", enable)
		}
	}
	return nil
}

func testMIGToggle(ctx context.Context, d *device.Device) error {
	if !d.SupportsMIG() {
		return fmt.Errorf("mig unsupported on %s", d.Info.Chip)
	}
	initial, err := d.QueryMIGMode(ctx)
	if err != nil {
		return err
	}

	for _, enable := range []bool{!initial, initial} {
		if err := pkgknobs.SetMIG(ctx, d, enable); err != nil {
			return err
		}
		if err := pkgreset.Any(ctx, d); err != nil {
			return err
		}
		state, err := d.QueryMIGMode(ctx)
		if err != nil {
			return err
		}
		if state != enable {
			return fmt.Errorf("mig %t did not take effect after reset", enable)
		}
	}
	return nil
}

// testKnobs writes every implemented knob back to its current value and
// re-reads it, exercising the firmware command path without changing state.
func testKnobs(ctx context.Context, d *device.Device) error {
	client, err := fsp.New(ctx, d)
	if err != nil {
		return err
	}
	states, err := client.QueryKnobs(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		return fmt.Errorf("firmware implements no knobs")
	}

	for _, s := range states {
		written, err := client.CheckAndWriteKnob(ctx, s.Knob, s.Value)
		if err != nil {
			return err
		}
		if written {
			return fmt.Errorf("knob %s: write of the current value should be elided", s.Knob)
		}
		v, err := client.ReadKnob(ctx, s.Knob)
		if err != nil {
			return err
		}
		if v != s.Value {
			return fmt.Errorf("knob %s: read back %#x after writing %#x", s.Knob, v, s.Value)
		}
	}
	return nil
}
