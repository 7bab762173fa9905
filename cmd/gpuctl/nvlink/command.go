// Package nvlink implements "gpuctl nvlink", blocking link training for
// device isolation.
package nvlink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	pkgnvlink "github.com/leptonai/gpuctl/pkg/nvidia/nvlink"
)

const nvlinkTimeout = 2 * time.Minute

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		return cmdNVLink(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.Bool("devmem"),
			cliContext.Bool("ignore-nvidia-driver"),
			cliContext.String("audit-log"),
			cliContext.String("block"),
			cliContext.Bool("block-all"),
			cliContext.Bool("status"),
			cliContext.Bool("persistent"),
		)
	}
}

func cmdNVLink(logLevel, selector string, devmem, ignoreDriver bool, auditLog, blockList string, blockAll, status, persistent bool) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
	}
	if blockList != "" && blockAll {
		return fmt.Errorf("--block and --block-all are mutually exclusive")
	}
	if blockList == "" && !blockAll && !status {
		return fmt.Errorf("nothing to do; pass --block, --block-all, or --status")
	}

	devices, err := common.OpenDevices(selector, devmem, ignoreDriver)
	if err != nil {
		return err
	}
	defer common.CloseAll(devices)

	audit := common.Auditor(auditLog)

	ctx, cancel := context.WithTimeout(context.Background(), nvlinkTimeout)
	defer cancel()

	var errs []error
	for _, d := range devices {
		if status {
			printStatus(d)
			continue
		}
		if err := blockOne(ctx, d, blockList, blockAll, persistent, audit); err != nil {
			log.Logger.Errorw("nvlink block failed", "device", d.PCI.Addr, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

func blockOne(ctx context.Context, d *device.Device, blockList string, blockAll, persistent bool, audit log.AuditLogger) error {
	var mask uint64
	var err error
	if blockAll {
		if mask, err = pkgnvlink.AllLinksMask(d); err != nil {
			return err
		}
	} else if mask, err = parseLinkList(blockList); err != nil {
		return err
	}

	if err := pkgnvlink.Block(ctx, d, mask, persistent); err != nil {
		return err
	}
	audit.Log(
		log.WithKind("nvlink"),
		log.WithDevice(d.PCI.Addr),
		log.WithVerb("block"),
		log.WithData(map[string]any{"mask": fmt.Sprintf("%#x", mask), "persistent": persistent}),
	)
	fmt.Printf("%s: blocked links %#x\n", d.PCI.Addr, mask)
	if pkgnvlink.ClearedByFLR(d) {
		fmt.Printf("%s: the block clears at the next function level reset\n", d.PCI.Addr)
	} else {
		fmt.Printf("%s: the block persists until a bus reset\n", d.PCI.Addr)
	}
	return nil
}

func printStatus(d *device.Device) {
	count, err := pkgnvlink.LinkCount(d)
	if err != nil {
		fmt.Printf("%s: no nvlinks\n", d.PCI.Addr)
		return
	}
	fmt.Printf("%s: %d links", d.PCI.Addr, count)
	if !pkgnvlink.SupportsBlocking(d) {
		fmt.Printf(", blocking unsupported\n")
		return
	}
	// Only pre-FSP generations expose the blocked state in registers.
	if blocked, err := pkgnvlink.Blocked(d); err == nil {
		fmt.Printf(", blocked mask %#x", blocked)
	}
	fmt.Println()
}

// parseLinkList turns "0,3,5" into a link mask.
func parseLinkList(s string) (uint64, error) {
	var mask uint64
	for _, field := range strings.Split(s, ",") {
		link, err := strconv.ParseUint(strings.TrimSpace(field), 10, 6)
		if err != nil {
			return 0, fmt.Errorf("invalid link %q in --block", field)
		}
		mask |= 1 << link
	}
	return mask, nil
}
