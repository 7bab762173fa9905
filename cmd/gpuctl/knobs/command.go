// Package knobs implements "gpuctl knobs", direct access to the persistent
// security knobs owned by the FSP.
package knobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp"
	pkgknobs "github.com/leptonai/gpuctl/pkg/nvidia/knobs"
	"github.com/leptonai/gpuctl/pkg/nvidia/nvlink"
)

const knobsTimeout = 5 * time.Minute

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		return cmdKnobs(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.Bool("devmem"),
			cliContext.Bool("ignore-nvidia-driver"),
			cliContext.String("audit-log"),
			cliContext.String("output"),
			cliContext.Bool("list"),
			cliContext.String("reset-to-defaults"),
			cliContext.Bool("assume-no-pending-changes"),
		)
	}
}

func cmdKnobs(logLevel, selector string, devmem, ignoreDriver bool, auditLog, outputFormat string, list bool, resetList string, assumeNoPending bool) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
	}
	if !list && resetList == "" {
		return fmt.Errorf("nothing to do; pass --list or --reset-to-defaults")
	}
	format, err := common.ParseOutputFormat(outputFormat)
	if err != nil {
		return err
	}

	devices, err := common.OpenDevices(selector, devmem, ignoreDriver)
	if err != nil {
		return err
	}
	defer common.CloseAll(devices)

	audit := common.Auditor(auditLog)

	ctx, cancel := context.WithTimeout(context.Background(), knobsTimeout)
	defer cancel()

	var reports []knobReport
	var errs []error
	for _, d := range devices {
		if list {
			report, err := buildCatalogue(ctx, d)
			if err != nil {
				log.Logger.Errorw("knob query failed", "device", d.PCI.Addr, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", d, err))
				continue
			}
			reports = append(reports, report)
		}
		if resetList != "" {
			if err := resetKnobs(ctx, d, resetList, assumeNoPending, audit); err != nil {
				log.Logger.Errorw("knob reset failed", "device", d.PCI.Addr, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", d, err))
			}
		}
	}

	if list {
		switch format {
		case common.OutputFormatJSON:
			if err := common.WriteJSON(reports); err != nil {
				errs = append(errs, err)
			}
		case common.OutputFormatYAML:
			if err := common.WriteYAML(reports); err != nil {
				errs = append(errs, err)
			}
		default:
			for _, r := range reports {
				printCatalogue(r)
			}
		}
	}
	return errors.Join(errs...)
}

// knobEntry is one row of the catalogue.
type knobEntry struct {
	Knob          string `json:"knob"`
	Default       string `json:"default"`
	Current       string `json:"current"`
	Pending       string `json:"pending"`
	RequiresReset bool   `json:"requiresReset"`
}

type knobReport struct {
	Address string      `json:"address"`
	Knobs   []knobEntry `json:"knobs"`
}

// buildCatalogue assembles the knob catalogue of one device: the named modes
// with their live and staged values, then every generic PRC knob the
// firmware implements. The FSP reports staged values only, so the generic
// rows have no live column.
func buildCatalogue(ctx context.Context, d *device.Device) (knobReport, error) {
	r := knobReport{Address: d.PCI.Addr}

	if d.SupportsCC() {
		r.Knobs = append(r.Knobs, knobEntry{
			Knob:    "cc-mode",
			Default: string(device.CCModeOff),
			Current: value(func() (string, error) {
				mode, err := d.QueryCCMode(ctx)
				return string(mode), err
			}),
			Pending: value(func() (string, error) {
				mode, err := pkgknobs.PendingCCMode(ctx, d)
				return string(mode), err
			}),
			RequiresReset: true,
		})
	}
	if d.SupportsPPCIe() {
		r.Knobs = append(r.Knobs, knobEntry{
			Knob:    "ppcie-mode",
			Default: "off",
			Current: value(func() (string, error) {
				on, err := d.QueryPPCIeMode(ctx)
				return onOff(on), err
			}),
			Pending: value(func() (string, error) {
				on, err := pkgknobs.PendingPPCIeMode(ctx, d)
				return onOff(on), err
			}),
			RequiresReset: true,
		})
	}
	if d.SupportsBar0Firewall() {
		current := value(func() (string, error) {
			on, err := d.QueryBar0Firewall()
			return onOff(on), err
		})
		// The staged copy lives in the FSP, which Blackwell does not expose
		// in-band; the live value is all there is.
		r.Knobs = append(r.Knobs, knobEntry{
			Knob: "bar0-firewall", Default: "off",
			Current: current, Pending: current, RequiresReset: true,
		})
	}
	if d.Kind == device.KindGPU {
		r.Knobs = append(r.Knobs, knobEntry{
			Knob:    "ecc",
			Default: "on",
			Current: value(func() (string, error) {
				on, err := d.ECCEnabled()
				return onOff(on), err
			}),
			Pending: value(func() (string, error) {
				on, err := d.QueryFinalECCState(ctx)
				return onOff(on), err
			}),
			RequiresReset: true,
		})
	}
	if d.SupportsMIG() {
		current := value(func() (string, error) {
			on, err := d.QueryMIGMode(ctx)
			return onOff(on), err
		})
		// MIG is staged in a scratch register with no readable staged copy.
		r.Knobs = append(r.Knobs, knobEntry{
			Knob: "mig", Default: "off",
			Current: current, Pending: current, RequiresReset: true,
		})
	}
	if nvlink.SupportsBlocking(d) {
		current := value(func() (string, error) {
			mask, err := nvlink.Blocked(d)
			return fmt.Sprintf("%#x", mask), err
		})
		r.Knobs = append(r.Knobs, knobEntry{
			Knob: "nvlink-block", Default: "0x0",
			Current: current, Pending: current, RequiresReset: true,
		})
	}

	if d.HasFSP() {
		states, err := pkgknobs.All(ctx, d)
		if err != nil {
			return r, err
		}
		for _, s := range states {
			r.Knobs = append(r.Knobs, knobEntry{
				Knob:          s.Knob.String(),
				Default:       "0x0",
				Current:       "-",
				Pending:       fmt.Sprintf("%#x", s.Value),
				RequiresReset: true,
			})
		}
	}
	return r, nil
}

func value(read func() (string, error)) string {
	v, err := read()
	if err != nil {
		if errdefs.IsNotSupported(err) {
			return "unsupported"
		}
		return fmt.Sprintf("error: %v", err)
	}
	return v
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func printCatalogue(r knobReport) {
	fmt.Printf("%s:\n", r.Address)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Knob", "Default", "Current", "Pending", "Requires Reset"})
	for _, e := range r.Knobs {
		table.Append([]string{e.Knob, e.Default, e.Current, e.Pending, fmt.Sprintf("%t", e.RequiresReset)})
	}
	table.Render()
}

// resetKnobs stages the named knobs (or all of them) back to their default
// value of zero.
func resetKnobs(ctx context.Context, d *device.Device, resetList string, assumeNoPending bool, audit log.AuditLogger) error {
	if strings.EqualFold(strings.TrimSpace(resetList), "all") {
		if err := pkgknobs.ResetToDefaults(ctx, d, assumeNoPending); err != nil {
			return err
		}
		audit.Log(
			log.WithKind("knobs"),
			log.WithDevice(d.PCI.Addr),
			log.WithVerb("reset-to-defaults"),
			log.WithData(map[string]bool{"assumeNoPendingChanges": assumeNoPending}),
		)
		fmt.Printf("%s: knobs staged to defaults, effective after the next reset\n", d.PCI.Addr)
		return nil
	}

	client, err := fsp.New(ctx, d)
	if err != nil {
		return err
	}
	var cleared []string
	for _, field := range strings.Split(resetList, ",") {
		knob, err := fsp.ParseKnob(field)
		if err != nil {
			return err
		}
		if _, err := client.CheckAndWriteKnob(ctx, knob, 0); err != nil {
			var rpcErr *fsp.Error
			if errors.As(err, &rpcErr) && rpcErr.IsInvalidKnob() {
				log.Logger.Warnw("knob not implemented by this firmware", "device", d.PCI.Addr, "knob", knob)
				continue
			}
			return err
		}
		cleared = append(cleared, knob.String())
	}
	audit.Log(
		log.WithKind("knobs"),
		log.WithDevice(d.PCI.Addr),
		log.WithVerb("reset-to-defaults"),
		log.WithData(map[string]any{"knobs": cleared}),
	)
	fmt.Printf("%s: %d knobs staged to defaults, effective after the next reset\n", d.PCI.Addr, len(cleared))
	return nil
}
