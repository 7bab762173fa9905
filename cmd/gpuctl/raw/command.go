// Package raw implements "gpuctl raw", direct config space and BAR register
// access for debugging.
package raw

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/pci"
)

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		return cmdRaw(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.Bool("devmem"),
			cliContext.Bool("ignore-nvidia-driver"),
			cliContext.String("audit-log"),
			map[string]string{
				"config": cliContext.String("read-config"),
				"bar0":   cliContext.String("read-bar0"),
				"bar1":   cliContext.String("read-bar1"),
			},
			map[string]string{
				"config": cliContext.String("write-config"),
				"bar0":   cliContext.String("write-bar0"),
				"bar1":   cliContext.String("write-bar1"),
			},
		)
	}
}

var spaces = []string{"config", "bar0", "bar1"}

func cmdRaw(logLevel, selector string, devmem, ignoreDriver bool, auditLog string, reads, writes map[string]string) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
	}

	requested := 0
	for _, space := range spaces {
		if reads[space] != "" {
			requested++
		}
		if writes[space] != "" {
			requested++
		}
	}
	if requested == 0 {
		return fmt.Errorf("nothing to do; pass a --read-* or --write-* flag")
	}

	devices, err := common.OpenDevices(selector, devmem, ignoreDriver)
	if err != nil {
		return err
	}
	defer common.CloseAll(devices)

	audit := common.Auditor(auditLog)

	var errs []error
	for _, d := range devices {
		for _, space := range spaces {
			if spec := reads[space]; spec != "" {
				if err := readOne(d, space, spec); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", d, err))
				}
			}
			if spec := writes[space]; spec != "" {
				if err := writeOne(d, space, spec, audit); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", d, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func regionOf(d *device.Device, space string) (pci.Region, error) {
	switch space {
	case "config":
		return d.PCI.Config, nil
	case "bar0":
		return d.Bar0, nil
	case "bar1":
		if d.Bar1 == nil {
			return nil, fmt.Errorf("bar1 is not mapped")
		}
		return d.Bar1, nil
	}
	return nil, fmt.Errorf("unknown space %q", space)
}

func readOne(d *device.Device, space, spec string) error {
	offset, err := parseOffset(spec)
	if err != nil {
		return err
	}
	region, err := regionOf(d, space)
	if err != nil {
		return err
	}
	value, err := region.Read32(offset)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s[%#x] = %#010x\n", d.PCI.Addr, space, offset, value)
	return nil
}

func writeOne(d *device.Device, space, spec string, audit log.AuditLogger) error {
	offset, value, err := parseAssignment(spec)
	if err != nil {
		return err
	}
	region, err := regionOf(d, space)
	if err != nil {
		return err
	}
	if err := region.Write32(offset, value); err != nil {
		return err
	}
	audit.Log(
		log.WithKind("raw"),
		log.WithDevice(d.PCI.Addr),
		log.WithVerb("write-"+space),
		log.WithData(map[string]string{
			"offset": fmt.Sprintf("%#x", offset),
			"value":  fmt.Sprintf("%#010x", value),
		}),
	)
	fmt.Printf("%s %s[%#x] <- %#010x\n", d.PCI.Addr, space, offset, value)
	return nil
}

func parseOffset(spec string) (int, error) {
	offset, err := strconv.ParseUint(strings.TrimSpace(spec), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q", spec)
	}
	return int(offset), nil
}

// parseAssignment splits an OFFSET=VALUE spec. Both sides accept any base
// strconv understands, 0x-prefixed hex included.
func parseAssignment(spec string) (int, uint32, error) {
	offsetStr, valueStr, ok := strings.Cut(spec, "=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid write spec %q (expected OFFSET=VALUE)", spec)
	}
	offset, err := parseOffset(offsetStr)
	if err != nil {
		return 0, 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(valueStr), 0, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value %q in write spec", valueStr)
	}
	return offset, uint32(value), nil
}
