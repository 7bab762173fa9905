// Package query implements "gpuctl query", the read-only view of device
// modes, staged firmware knobs, and identity.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	pkgknobs "github.com/leptonai/gpuctl/pkg/nvidia/knobs"
)

const queryTimeout = 2 * time.Minute

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		sel := selection{
			ccMode:        cliContext.Bool("cc-mode"),
			ccSettings:    cliContext.Bool("cc-settings"),
			ppcieMode:     cliContext.Bool("ppcie-mode"),
			ppcieSettings: cliContext.Bool("ppcie-settings"),
			ecc:           cliContext.Bool("ecc"),
			mig:           cliContext.Bool("mig"),
			bar0Firewall:  cliContext.Bool("bar0-firewall"),
			prcKnobs:      cliContext.Bool("prc-knobs"),
			moduleName:    cliContext.Bool("module-name"),
			serialNumber:  cliContext.Bool("serial-number"),
		}
		return cmdQuery(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.Bool("devmem"),
			cliContext.Bool("ignore-nvidia-driver"),
			cliContext.String("output"),
			sel,
		)
	}
}

type selection struct {
	ccMode        bool
	ccSettings    bool
	ppcieMode     bool
	ppcieSettings bool
	ecc           bool
	mig           bool
	bar0Firewall  bool
	prcKnobs      bool
	moduleName    bool
	serialNumber  bool
}

func (s selection) anySet() bool {
	return s.ccMode || s.ccSettings || s.ppcieMode || s.ppcieSettings ||
		s.ecc || s.mig || s.bar0Firewall || s.prcKnobs || s.moduleName || s.serialNumber
}

// modeReport pairs the live value of a mode with the one staged for the next
// reset. They differ until the device is reset.
type modeReport struct {
	Current string `json:"current"`
	Pending string `json:"pending"`
}

type report struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Name    string `json:"name,omitempty"`
	Arch    string `json:"arch"`

	BootComplete *bool `json:"bootComplete,omitempty"`
	InRecovery   *bool `json:"inRecovery,omitempty"`

	CCMode       *modeReport `json:"ccMode,omitempty"`
	PPCIeMode    *modeReport `json:"ppcieMode,omitempty"`
	ECC          *modeReport `json:"ecc,omitempty"`
	MIG          *modeReport `json:"mig,omitempty"`
	Bar0Firewall *string     `json:"bar0Firewall,omitempty"`

	CCSettings    []string `json:"ccSettings,omitempty"`
	PPCIeSettings []string `json:"ppcieSettings,omitempty"`
	PRCKnobs      []string `json:"prcKnobs,omitempty"`

	ModuleName   string `json:"moduleName,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	MemorySize   string `json:"memorySize,omitempty"`
}

func cmdQuery(logLevel, selector string, devmem, ignoreDriver bool, outputFormat string, sel selection) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
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

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	reports := make([]report, 0, len(devices))
	for _, d := range devices {
		reports = append(reports, buildReport(ctx, d, sel))
	}

	switch format {
	case common.OutputFormatJSON:
		return common.WriteJSON(reports)
	case common.OutputFormatYAML:
		return common.WriteYAML(reports)
	}
	for _, r := range reports {
		printReport(r)
	}
	return nil
}

func buildReport(ctx context.Context, d *device.Device, sel selection) report {
	r := report{
		Address: d.PCI.Addr,
		Kind:    string(d.Kind),
		Name:    d.Info.Name,
		Arch:    string(d.Info.Arch),
	}

	all := !sel.anySet()
	if all {
		boot, err := d.BootComplete()
		if err == nil {
			r.BootComplete = &boot
		}
		recovery := d.InRecovery()
		r.InRecovery = &recovery
		if size, err := d.MemorySize(); err == nil {
			r.MemorySize = humanize.IBytes(size)
		}
	}

	if (all || sel.ccMode) && d.SupportsCC() {
		r.CCMode = queryMode(
			func() (string, error) {
				mode, err := d.QueryCCMode(ctx)
				return string(mode), err
			},
			func() (string, error) {
				mode, err := pkgknobs.PendingCCMode(ctx, d)
				return string(mode), err
			})
	}
	if (all || sel.ppcieMode) && d.SupportsPPCIe() {
		r.PPCIeMode = queryMode(
			func() (string, error) {
				on, err := d.QueryPPCIeMode(ctx)
				return onOff(on), err
			},
			func() (string, error) {
				on, err := pkgknobs.PendingPPCIeMode(ctx, d)
				return onOff(on), err
			})
	}
	if all || sel.ecc {
		r.ECC = queryMode(
			func() (string, error) {
				on, err := d.ECCEnabled()
				return onOff(on), err
			},
			func() (string, error) {
				on, err := d.QueryFinalECCState(ctx)
				return onOff(on), err
			})
	}
	if (all || sel.mig) && d.SupportsMIG() {
		r.MIG = queryMode(
			func() (string, error) {
				on, err := d.QueryMIGMode(ctx)
				return onOff(on), err
			},
			func() (string, error) { return "", errdefs.ErrNotSupported })
	}
	if (all || sel.bar0Firewall) && d.SupportsBar0Firewall() {
		if on, err := d.QueryBar0Firewall(); err == nil {
			state := onOff(on)
			r.Bar0Firewall = &state
		}
	}

	if sel.ccSettings {
		r.CCSettings = querySettings(ctx, d, pkgknobs.CCSettings)
	}
	if sel.ppcieSettings {
		r.PPCIeSettings = querySettings(ctx, d, pkgknobs.PPCIeSettings)
	}
	if sel.prcKnobs {
		states, err := pkgknobs.All(ctx, d)
		if err != nil {
			r.PRCKnobs = []string{queryError(err)}
		} else {
			for _, s := range states {
				r.PRCKnobs = append(r.PRCKnobs, fmt.Sprintf("%s = %#x", s.Knob, s.Value))
			}
		}
	}

	if (all || sel.moduleName) && d.SupportsModuleName() {
		if name, err := d.ModuleName(); err == nil {
			r.ModuleName = name
		}
	}
	if (all || sel.serialNumber) && d.HasPDI() {
		if pdi, err := d.PDI(); err == nil {
			r.SerialNumber = fmt.Sprintf("%#016x", pdi)
		}
	}
	return r
}

func queryMode(current, pending func() (string, error)) *modeReport {
	r := &modeReport{}
	if v, err := current(); err != nil {
		r.Current = queryError(err)
	} else {
		r.Current = v
	}
	if v, err := pending(); err != nil {
		if errdefs.IsNotSupported(err) {
			// No staged copy to read; the live value is all there is.
			r.Pending = r.Current
		} else {
			r.Pending = queryError(err)
		}
	} else {
		r.Pending = v
	}
	return r
}

func querySettings(ctx context.Context, d *device.Device, f func(context.Context, *device.Device) ([]pkgknobs.Setting, error)) []string {
	settings, err := f(ctx, d)
	if err != nil {
		return []string{queryError(err)}
	}
	out := make([]string, 0, len(settings))
	for _, s := range settings {
		out = append(out, fmt.Sprintf("%s = %#x", s.Knob, s.Value))
	}
	return out
}

func queryError(err error) string {
	if errdefs.IsNotSupported(err) {
		return "unsupported"
	}
	return fmt.Sprintf("error: %v", err)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func printReport(r report) {
	fmt.Printf("%s %s %s (%s)\n", r.Address, r.Kind, r.Name, r.Arch)
	if r.BootComplete != nil {
		fmt.Printf("  boot complete:  %t\n", *r.BootComplete)
	}
	if r.InRecovery != nil && *r.InRecovery {
		fmt.Printf("  in recovery:    true\n")
	}
	if r.MemorySize != "" {
		fmt.Printf("  memory:         %s\n", r.MemorySize)
	}
	printMode("cc mode", r.CCMode)
	printMode("ppcie mode", r.PPCIeMode)
	printMode("ecc", r.ECC)
	printMode("mig", r.MIG)
	if r.Bar0Firewall != nil {
		fmt.Printf("  bar0 firewall:  %s\n", *r.Bar0Firewall)
	}
	printList("cc settings", r.CCSettings)
	printList("ppcie settings", r.PPCIeSettings)
	printList("prc knobs", r.PRCKnobs)
	if r.ModuleName != "" {
		fmt.Printf("  module name:    %s\n", r.ModuleName)
	}
	if r.SerialNumber != "" {
		fmt.Printf("  serial number:  %s\n", r.SerialNumber)
	}
}

func printMode(name string, m *modeReport) {
	if m == nil {
		return
	}
	if m.Current == m.Pending {
		fmt.Printf("  %-15s %s\n", name+":", m.Current)
		return
	}
	fmt.Printf("  %-15s %s (pending %s, effective after reset)\n", name+":", m.Current, m.Pending)
}

func printList(name string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("  %s:\n", name)
	for _, item := range items {
		fmt.Printf("    %s\n", item)
	}
}
