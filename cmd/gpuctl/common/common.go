// Package common holds the flag plumbing shared by all gpuctl subcommands:
// logger setup, device selection, and the audit trail for mutations.
package common

import (
	"fmt"
	"strings"

	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/pci"
)

// DeviceFlags returns the flag set every device-facing subcommand carries.
func DeviceFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "log-level,l",
			Usage: "set the logging level [debug, info, warn, error, fatal, panic, dpanic]",
		},
		cli.StringFlag{
			Name:  "devices,d",
			Usage: "device selector: gpus, nvswitches, gpus[N], gpus[N:M], VVVV:DDDD, or a DDDD:BB:SS.F address; terms combine with commas (default: gpus)",
		},
		cli.BoolFlag{
			Name:  "devmem",
			Usage: "map BARs through /dev/mem instead of sysfs resource files",
		},
		cli.BoolFlag{
			Name:  "ignore-nvidia-driver",
			Usage: "operate on devices even when a kernel driver is bound (unsafe while the driver is active)",
		},
	}
}

// AuditFlag returns the flag enabling the mutation audit trail.
func AuditFlag() cli.Flag {
	return cli.StringFlag{
		Name:  "audit-log",
		Usage: "append one JSON line per device mutation to this file",
	}
}

// SetupLogger installs the process logger at the requested level.
func SetupLogger(logLevel string) error {
	zapLvl, err := log.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	log.Logger = log.CreateLogger(zapLvl, "")
	return nil
}

// Auditor returns the audit logger for mutating commands. Without an
// --audit-log file the trail is discarded.
func Auditor(auditLog string) log.AuditLogger {
	if auditLog == "" {
		return log.NewNopAuditLogger()
	}
	return log.NewAuditLogger(auditLog)
}

func pciOptions(devmem, ignoreDriver bool) []pci.OpOption {
	var opts []pci.OpOption
	if devmem {
		opts = append(opts, pci.WithDevMem())
	}
	if ignoreDriver {
		opts = append(opts, pci.WithIgnoreDriverCheck())
	}
	return opts
}

// EnumeratePCI resolves the selector to open PCI functions without touching
// their BARs, for commands operating purely at the config space level.
func EnumeratePCI(selector string, devmem, ignoreDriver bool) ([]*pci.Device, error) {
	return pci.Enumerate(selector, pciOptions(devmem, ignoreDriver)...)
}

// ClosePCI releases devices returned by EnumeratePCI.
func ClosePCI(devices []*pci.Device) {
	for _, d := range devices {
		if err := d.Close(); err != nil {
			log.Logger.Warnw("close failed", "device", d, "error", err)
		}
	}
}

// OpenDevices resolves the selector and opens each match as an NVIDIA
// device: D0, MMIO enabled, BARs mapped, config snapshot captured. On any
// failure everything already open is released.
func OpenDevices(selector string, devmem, ignoreDriver bool) ([]*device.Device, error) {
	pciDevices, err := EnumeratePCI(selector, devmem, ignoreDriver)
	if err != nil {
		return nil, err
	}

	devices := make([]*device.Device, 0, len(pciDevices))
	for i, p := range pciDevices {
		d, err := device.Open(p)
		if err != nil {
			CloseAll(devices)
			ClosePCI(pciDevices[i:])
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// OpenDevicesForRecovery is OpenDevices for the broken-device path: a match
// whose config space or BAR0 reads all-ones is handed back in degraded form
// instead of failing the whole selection, so recovery can still reach it.
func OpenDevicesForRecovery(selector string, devmem, ignoreDriver bool) ([]*device.Device, error) {
	pciDevices, err := EnumeratePCI(selector, devmem, ignoreDriver)
	if err != nil {
		return nil, err
	}

	devices := make([]*device.Device, 0, len(pciDevices))
	for i, p := range pciDevices {
		d, err := openForRecovery(p)
		if err != nil {
			CloseAll(devices)
			ClosePCI(pciDevices[i:])
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func openForRecovery(p *pci.Device) (*device.Device, error) {
	d, err := device.Open(p)
	if err == nil {
		return d, nil
	}
	if !errdefs.IsUnresponsive(err) {
		return nil, err
	}
	log.Logger.Warnw("device unresponsive, opening degraded for recovery", "device", p.Addr, "error", err)
	return device.OpenBroken(p), nil
}

// CloseAll releases devices returned by OpenDevices.
func CloseAll(devices []*device.Device) {
	for _, d := range devices {
		d.Close()
	}
}

// ParseOnOff maps the on/off flag vocabulary onto a bool.
func ParseOnOff(flag, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "enable", "enabled", "1":
		return true, nil
	case "off", "disable", "disabled", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid value %q for --%s (expected on or off)", value, flag)
	}
}
