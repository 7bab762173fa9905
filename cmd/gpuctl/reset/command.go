// Package reset implements "gpuctl reset": FLR, secondary bus reset, the OS
// reset path, and recovery of broken devices.
package reset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	pkgreset "github.com/leptonai/gpuctl/pkg/nvidia/reset"
)

const resetTimeout = 5 * time.Minute

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		return cmdReset(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.Bool("devmem"),
			cliContext.Bool("ignore-nvidia-driver"),
			cliContext.String("audit-log"),
			cliContext.Bool("flr"),
			cliContext.Bool("sbr"),
			cliContext.Bool("os"),
			cliContext.Bool("coupled"),
			cliContext.Bool("next-sbr-fundamental"),
			cliContext.Bool("recover-broken-gpu"),
		)
	}
}

func cmdReset(logLevel, selector string, devmem, ignoreDriver bool, auditLog string, flr, sbr, osReset, coupled, nextSBRFundamental, recoverBroken bool) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
	}

	verb, run, err := pickReset(flr, sbr, osReset, coupled, nextSBRFundamental, recoverBroken)
	if err != nil {
		return err
	}

	// An unresponsive device cannot survive the normal open; recovery is
	// the one verb that wants it anyway.
	open := common.OpenDevices
	if recoverBroken {
		open = common.OpenDevicesForRecovery
	}
	devices, err := open(selector, devmem, ignoreDriver)
	if err != nil {
		return err
	}
	defer common.CloseAll(devices)

	audit := common.Auditor(auditLog)

	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	// Failures are device-scoped: a dead device must not block resetting
	// the rest of the selection.
	var errs []error
	for i, d := range devices {
		replacement, err := run(ctx, d)
		if err != nil {
			log.Logger.Errorw("reset failed", "device", d.PCI.Addr, "verb", verb, "error", err)
			errs = append(errs, fmt.Errorf("%s: %s: %w", d, verb, err))
			continue
		}
		if replacement != d {
			// Recovery may have reopened the device from scratch; hand the
			// replacement to the deferred close.
			devices[i] = replacement
		}
		audit.Log(
			log.WithKind("reset"),
			log.WithDevice(replacement.PCI.Addr),
			log.WithVerb(verb),
		)
		fmt.Printf("%s: %s done\n", replacement.PCI.Addr, verb)
	}
	return errors.Join(errs...)
}

type resetFunc func(context.Context, *device.Device) (*device.Device, error)

func same(f func(context.Context, *device.Device) error) resetFunc {
	return func(ctx context.Context, d *device.Device) (*device.Device, error) {
		return d, f(ctx, d)
	}
}

func pickReset(flr, sbr, osReset, coupled, nextSBRFundamental, recoverBroken bool) (string, resetFunc, error) {
	picked := 0
	for _, b := range []bool{flr, sbr, osReset, coupled, nextSBRFundamental, recoverBroken} {
		if b {
			picked++
		}
	}
	if picked > 1 {
		return "", nil, fmt.Errorf("pass at most one of --flr, --sbr, --os, --coupled, --next-sbr-fundamental, --recover-broken-gpu")
	}

	switch {
	case flr:
		return "flr", same(pkgreset.FLR), nil
	case sbr:
		return "sbr", same(pkgreset.SBR), nil
	case osReset:
		return "os", same(pkgreset.OSReset), nil
	case coupled:
		return "coupled-flr", same(pkgreset.CoupledFLR), nil
	case nextSBRFundamental:
		return "next-sbr-fundamental", same(pkgreset.ArmFundamentalSBR), nil
	case recoverBroken:
		return "recover", pkgreset.Recover, nil
	default:
		return "any", same(pkgreset.Any), nil
	}
}
