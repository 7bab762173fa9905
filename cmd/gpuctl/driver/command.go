// Package driver implements "gpuctl driver", kernel driver bind and unbind.
package driver

import (
	"errors"
	"fmt"

	"github.com/urfave/cli"

	"github.com/leptonai/gpuctl/cmd/gpuctl/common"
	"github.com/leptonai/gpuctl/pkg/log"
)

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		return cmdDriver(
			cliContext.String("log-level"),
			cliContext.String("devices"),
			cliContext.String("audit-log"),
			cliContext.Bool("unbind"),
			cliContext.String("bind"),
		)
	}
}

func cmdDriver(logLevel, selector, auditLog string, unbind bool, bind string) error {
	if err := common.SetupLogger(logLevel); err != nil {
		return err
	}
	if unbind == (bind != "") {
		return fmt.Errorf("pass exactly one of --unbind or --bind DRIVER")
	}

	// Driver changes never touch BARs; enumerate at the PCI level so a
	// bound driver does not get in the way of its own unbind.
	devices, err := common.EnumeratePCI(selector, false, true)
	if err != nil {
		return err
	}
	defer common.ClosePCI(devices)

	audit := common.Auditor(auditLog)

	var errs []error
	for _, d := range devices {
		if unbind {
			if d.Driver() == "" {
				log.Logger.Infow("no driver bound", "device", d.Addr)
				continue
			}
			if err := d.Unbind(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d, err))
				continue
			}
			audit.Log(
				log.WithKind("driver"),
				log.WithDevice(d.Addr),
				log.WithVerb("unbind"),
			)
			fmt.Printf("%s: unbound\n", d.Addr)
			continue
		}

		if err := d.Bind(bind); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			continue
		}
		audit.Log(
			log.WithKind("driver"),
			log.WithDevice(d.Addr),
			log.WithVerb("bind"),
			log.WithData(map[string]string{"driver": bind}),
		)
		fmt.Printf("%s: bound to %s\n", d.Addr, bind)
	}
	return errors.Join(errs...)
}
