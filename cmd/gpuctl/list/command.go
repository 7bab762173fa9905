// Package list implements "gpuctl list", the device inventory view.
package list

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
)

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		return cmdList(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.Bool("devmem"),
		)
	}
}

func cmdList(logLevel, selector string, devmem bool) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
	}

	// Listing is read-only; a bound driver is no reason to refuse.
	devices, err := common.OpenDevices(selector, devmem, true)
	if err != nil {
		if errdefs.IsNoMatch(err) {
			fmt.Println("no matching devices")
			return nil
		}
		return err
	}
	defer common.CloseAll(devices)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Address", "Kind", "Name", "Device ID", "Arch", "Driver", "NUMA", "Memory", "Boot"})

	for _, d := range devices {
		table.Append([]string{
			d.PCI.Addr,
			string(d.Kind),
			displayName(d),
			fmt.Sprintf("%04x:%04x", d.PCI.Vendor, d.PCI.DeviceID),
			string(d.Info.Arch),
			driverName(d),
			numaNode(d),
			memorySize(d),
			bootState(d),
		})
	}
	table.Render()
	return nil
}

func displayName(d *device.Device) string {
	if d.Info.Name == "" {
		return "unknown"
	}
	return d.Info.Name
}

func driverName(d *device.Device) string {
	if driver := d.PCI.Driver(); driver != "" {
		return driver
	}
	return "-"
}

func numaNode(d *device.Device) string {
	node := d.PCI.NumaNode()
	if node < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", node)
}

func memorySize(d *device.Device) string {
	size, err := d.MemorySize()
	if err != nil {
		return "-"
	}
	return humanize.IBytes(size)
}

func bootState(d *device.Device) string {
	if d.InRecovery() {
		return "recovery"
	}
	done, err := d.BootComplete()
	switch {
	case err != nil:
		return "unknown"
	case done:
		return "done"
	default:
		return "pending"
	}
}
