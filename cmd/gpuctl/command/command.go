package command

import (
	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	cmddriver "github.com/leptonai/gpuctl/cmd/gpuctl/driver"
	cmdknobs "github.com/leptonai/gpuctl/cmd/gpuctl/knobs"
	cmdlist "github.com/leptonai/gpuctl/cmd/gpuctl/list"
	cmdnvlink "github.com/leptonai/gpuctl/cmd/gpuctl/nvlink"
	cmdquery "github.com/leptonai/gpuctl/cmd/gpuctl/query"
	cmdraw "github.com/leptonai/gpuctl/cmd/gpuctl/raw"
	cmdreset "github.com/leptonai/gpuctl/cmd/gpuctl/reset"
	cmdselftest "github.com/leptonai/gpuctl/cmd/gpuctl/selftest"
	cmdset "github.com/leptonai/gpuctl/cmd/gpuctl/set"
	"github.com/leptonai/gpuctl/version"
)

const usage = `
# to list NVIDIA GPUs and NVSwitches visible on the PCI bus
gpuctl list

# to inspect the confidential computing state of the first GPU
gpuctl query --devices gpus[0] --cc-mode

# to enable confidential computing and reset so it takes effect
sudo gpuctl set --devices gpus[0] --cc-mode on --reset-after

# to recover a GPU whose config space reads all-ones
sudo gpuctl reset --devices 0000:2a:00.0 --recover-broken-gpu
`

func App() *cli.App {
	app := cli.NewApp()

	app.Name = "gpuctl"
	app.Version = version.Version
	app.Usage = usage
	app.Description = "NVIDIA GPU and NVSwitch administration at the PCI and firmware level"

	app.Commands = []cli.Command{
		{
			Name:   "list",
			Usage:  "list matching devices with their product names and state",
			Action: cmdlist.CreateCommand(),
			Flags:  common.DeviceFlags(),
		},
		{
			Name:   "query",
			Usage:  "read device modes, staged firmware knobs, and identity",
			Action: cmdquery.CreateCommand(),
			Flags: append(common.DeviceFlags(),
				common.OutputFlag(),
				cli.BoolFlag{
					Name:  "cc-mode",
					Usage: "report the confidential computing mode, live and staged",
				},
				cli.BoolFlag{
					Name:  "cc-settings",
					Usage: "report the raw values of the CC-related firmware knobs",
				},
				cli.BoolFlag{
					Name:  "ppcie-mode",
					Usage: "report the protected PCIe mode, live and staged",
				},
				cli.BoolFlag{
					Name:  "ppcie-settings",
					Usage: "report the raw values of the PPCIe-related firmware knobs",
				},
				cli.BoolFlag{
					Name:  "ecc",
					Usage: "report the ECC state, live and after the next reset",
				},
				cli.BoolFlag{
					Name:  "mig",
					Usage: "report the MIG state",
				},
				cli.BoolFlag{
					Name:  "bar0-firewall",
					Usage: "report the BAR0 firewall state",
				},
				cli.BoolFlag{
					Name:  "prc-knobs",
					Usage: "report every security knob the firmware implements",
				},
				cli.BoolFlag{
					Name:  "module-name",
					Usage: "report the physical module slot name (SXM boards and NVSwitches)",
				},
				cli.BoolFlag{
					Name:  "serial-number",
					Usage: "report the per-device identifier",
				},
			),
		},
		{
			Name:   "set",
			Usage:  "stage a mode change, effective at the next reset",
			Action: cmdset.CreateCommand(),
			Flags: append(common.DeviceFlags(),
				common.AuditFlag(),
				cli.StringFlag{
					Name:  "cc-mode",
					Usage: "stage the confidential computing mode [off, on, devtools]",
				},
				cli.StringFlag{
					Name:  "ppcie-mode",
					Usage: "stage the protected PCIe mode [off, on]",
				},
				cli.StringFlag{
					Name:  "bar0-firewall",
					Usage: "stage the BAR0 firewall [off, on]",
				},
				cli.StringFlag{
					Name:  "ecc",
					Usage: "stage the ECC state [off, on]",
				},
				cli.BoolFlag{
					Name:  "force-ecc-on",
					Usage: "force ECC on at the next reset (Turing only)",
				},
				cli.StringFlag{
					Name:  "mig",
					Usage: "stage the MIG state [off, on]",
				},
				cli.BoolFlag{
					Name:  "reset-after",
					Usage: "reset the device immediately so the change takes effect",
				},
			),
		},
		{
			Name:   "reset",
			Usage:  "reset devices; defaults to FLR when advertised, bus reset otherwise",
			Action: cmdreset.CreateCommand(),
			Flags: append(common.DeviceFlags(),
				common.AuditFlag(),
				cli.BoolFlag{
					Name:  "flr",
					Usage: "function level reset",
				},
				cli.BoolFlag{
					Name:  "sbr",
					Usage: "secondary bus reset through the upstream bridge",
				},
				cli.BoolFlag{
					Name:  "os",
					Usage: "reset through the kernel's sysfs reset file",
				},
				cli.BoolFlag{
					Name:  "coupled",
					Usage: "couple the next FLR into a deeper reset first (Hopper)",
				},
				cli.BoolFlag{
					Name:  "next-sbr-fundamental",
					Usage: "arm the next secondary bus reset to act as a fundamental reset, without resetting now (Hopper)",
				},
				cli.BoolFlag{
					Name:  "recover-broken-gpu",
					Usage: "escalate through bus reset and bus rescan until the device responds again",
				},
			),
		},
		{
			Name:   "nvlink",
			Usage:  "block NVLink training for device isolation",
			Action: cmdnvlink.CreateCommand(),
			Flags: append(common.DeviceFlags(),
				common.AuditFlag(),
				cli.StringFlag{
					Name:  "block",
					Usage: "comma-separated link numbers to block, e.g. 0,3,5",
				},
				cli.BoolFlag{
					Name:  "block-all",
					Usage: "block every link the device has",
				},
				cli.BoolFlag{
					Name:  "status",
					Usage: "report link counts and, where readable, the blocked mask",
				},
				cli.BoolFlag{
					Name:  "persistent",
					Usage: "persist the block across resets (firmware-managed devices only)",
				},
			),
		},
		{
			Name:   "knobs",
			Usage:  "inspect or reset the persistent security knobs",
			Action: cmdknobs.CreateCommand(),
			Flags: append(common.DeviceFlags(),
				common.AuditFlag(),
				common.OutputFlag(),
				cli.BoolFlag{
					Name:  "list",
					Usage: "list the knob catalogue with default, current, and pending values",
				},
				cli.StringFlag{
					Name:  "reset-to-defaults",
					Usage: "stage the named knobs (comma-separated, or \"all\") back to their defaults",
				},
				cli.BoolFlag{
					Name:  "assume-no-pending-changes",
					Usage: "with \"all\": derive the dirty knobs from the live modes instead of reading the staged state, sparing EEPROM writes",
				},
			),
		},
		{
			Name:   "test",
			Usage:  "destructive round-trip tests of the mode staging machinery",
			Action: cmdselftest.CreateCommand(),
			Flags: append(common.DeviceFlags(),
				cli.BoolFlag{
					Name:  "cc-mode-switch",
					Usage: "cycle through every CC mode with a reset per step",
				},
				cli.BoolFlag{
					Name:  "ppcie-mode-switch",
					Usage: "toggle PPCIe mode and back with a reset per step",
				},
				cli.BoolFlag{
					Name:  "ecc-toggle",
					Usage: "toggle ECC and back with a reset per step",
				},
				cli.BoolFlag{
					Name:  "mig-toggle",
					Usage: "toggle MIG and back with a reset per step",
				},
				cli.BoolFlag{
					Name:  "knobs",
					Usage: "exercise the firmware knob command path without changing state",
				},
			),
		},
		{
			Name:   "raw",
			Usage:  "read or write single registers in config space or the BARs",
			Action: cmdraw.CreateCommand(),
			Flags: append(common.DeviceFlags(),
				common.AuditFlag(),
				cli.StringFlag{
					Name:  "read-config",
					Usage: "read a 32-bit config space register at OFFSET",
				},
				cli.StringFlag{
					Name:  "write-config",
					Usage: "write a config space register, OFFSET=VALUE",
				},
				cli.StringFlag{
					Name:  "read-bar0",
					Usage: "read a 32-bit BAR0 register at OFFSET",
				},
				cli.StringFlag{
					Name:  "write-bar0",
					Usage: "write a BAR0 register, OFFSET=VALUE",
				},
				cli.StringFlag{
					Name:  "read-bar1",
					Usage: "read a 32-bit BAR1 register at OFFSET",
				},
				cli.StringFlag{
					Name:  "write-bar1",
					Usage: "write a BAR1 register, OFFSET=VALUE",
				},
			),
		},
		{
			Name:   "driver",
			Usage:  "bind or unbind the kernel driver",
			Action: cmddriver.CreateCommand(),
			Flags: append(common.DeviceFlags(),
				common.AuditFlag(),
				cli.BoolFlag{
					Name:  "unbind",
					Usage: "unbind the currently bound driver",
				},
				cli.StringFlag{
					Name:  "bind",
					Usage: "bind the named driver",
				},
			),
		},
	}

	return app
}
