// Package set implements "gpuctl set", staging mode changes that take
// effect at the next reset.
package set

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	pkgknobs "github.com/leptonai/gpuctl/pkg/nvidia/knobs"
	pkgreset "github.com/leptonai/gpuctl/pkg/nvidia/reset"
)

const setTimeout = 5 * time.Minute

type request struct {
	ccMode       string
	ppcieMode    string
	bar0Firewall string
	ecc          string
	forceECCOn   bool
	mig          string
	resetAfter   bool
}

func (r request) count() int {
	n := 0
	for _, s := range []string{r.ccMode, r.ppcieMode, r.bar0Firewall, r.ecc, r.mig} {
		if s != "" {
			n++
		}
	}
	if r.forceECCOn {
		n++
	}
	return n
}

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		return cmdSet(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.Bool("devmem"),
			cliContext.Bool("ignore-nvidia-driver"),
			cliContext.String("audit-log"),
			request{
				ccMode:       cliContext.String("cc-mode"),
				ppcieMode:    cliContext.String("ppcie-mode"),
				bar0Firewall: cliContext.String("bar0-firewall"),
				ecc:          cliContext.String("ecc"),
				forceECCOn:   cliContext.Bool("force-ecc-on"),
				mig:          cliContext.String("mig"),
				resetAfter:   cliContext.Bool("reset-after"),
			},
		)
	}
}

func cmdSet(logLevel, selector string, devmem, ignoreDriver bool, auditLog string, req request) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
	}
	if req.count() == 0 {
		return fmt.Errorf("nothing to set; pass one of --cc-mode, --ppcie-mode, --bar0-firewall, --ecc, --force-ecc-on, --mig")
	}
	if req.count() > 1 {
		return fmt.Errorf("set one mode at a time; combined changes hide which one failed")
	}

	devices, err := common.OpenDevices(selector, devmem, ignoreDriver)
	if err != nil {
		return err
	}
	defer common.CloseAll(devices)

	audit := common.Auditor(auditLog)

	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()

	// Failures are device-scoped: keep going so one bad device does not
	// leave the rest of the selection untouched.
	var errs []error
	for _, d := range devices {
		if err := applyOne(ctx, d, req, audit); err != nil {
			log.Logger.Errorw("set failed", "device", d.PCI.Addr, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

func applyOne(ctx context.Context, d *device.Device, req request, audit log.AuditLogger) error {
	verb, data, err := stage(ctx, d, req)
	if err != nil {
		return err
	}
	audit.Log(
		log.WithKind("set"),
		log.WithDevice(d.PCI.Addr),
		log.WithVerb(verb),
		log.WithData(data),
	)
	log.Logger.Infow("staged mode change", "device", d.PCI.Addr, "verb", verb, "data", data)

	if !req.resetAfter {
		fmt.Printf("%s: %s staged, effective after the next reset\n", d.PCI.Addr, verb)
		return nil
	}

	if err := pkgreset.Any(ctx, d); err != nil {
		return err
	}
	audit.Log(
		log.WithKind("reset"),
		log.WithDevice(d.PCI.Addr),
		log.WithVerb("any"),
	)
	fmt.Printf("%s: %s applied\n", d.PCI.Addr, verb)
	return nil
}

func stage(ctx context.Context, d *device.Device, req request) (string, any, error) {
	switch {
	case req.ccMode != "":
		mode, err := parseCCMode(req.ccMode)
		if err != nil {
			return "", nil, err
		}
		return "cc-mode", map[string]string{"mode": string(mode)}, pkgknobs.SetCCMode(ctx, d, mode)

	case req.ppcieMode != "":
		on, err := common.ParseOnOff("ppcie-mode", req.ppcieMode)
		if err != nil {
			return "", nil, err
		}
		return "ppcie-mode", map[string]bool{"enable": on}, pkgknobs.SetPPCIeMode(ctx, d, on)

	case req.bar0Firewall != "":
		on, err := common.ParseOnOff("bar0-firewall", req.bar0Firewall)
		if err != nil {
			return "", nil, err
		}
		return "bar0-firewall", map[string]bool{"enable": on}, pkgknobs.SetBar0Firewall(ctx, d, on)

	case req.ecc != "":
		on, err := common.ParseOnOff("ecc", req.ecc)
		if err != nil {
			return "", nil, err
		}
		return "ecc", map[string]bool{"enable": on}, pkgknobs.SetECC(ctx, d, on, true)

	case req.forceECCOn:
		return "force-ecc-on", nil, d.ForceECCOnAfterReset()

	case req.mig != "":
		on, err := common.ParseOnOff("mig", req.mig)
		if err != nil {
			return "", nil, err
		}
		return "mig", map[string]bool{"enable": on}, pkgknobs.SetMIG(ctx, d, on)
	}
	return "", nil, fmt.Errorf("nothing to set")
}

func parseCCMode(s string) (device.CCMode, error) {
	switch device.CCMode(s) {
	case device.CCModeOff, device.CCModeOn, device.CCModeDevtools:
		return device.CCMode(s), nil
	}
	return "", fmt.Errorf("invalid cc mode %q (expected off, on, or devtools)", s)
}
