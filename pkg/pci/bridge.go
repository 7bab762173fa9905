package pci

import (
	"context"
	"fmt"
	"time"

	"github.com/leptonai/gpuctl/pkg/log"
)

// Bridge is a PCI-to-PCI bridge, used here as the agent of secondary bus
// resets for the device below it.
type Bridge struct {
	*Device
}

// NewBridge opens the bridge at the sysfs directory path.
func NewBridge(path string, op Op) (*Bridge, error) {
	d, err := newDevice(path, op)
	if err != nil {
		return nil, err
	}
	return &Bridge{Device: d}, nil
}

func (b *Bridge) setSecondaryBusReset(assert bool) error {
	var v uint16
	if assert {
		v = BridgeCtlBusReset
	}
	return b.Config.UpdateBits16(RegBridgeControl, BridgeCtlBusReset, v)
}

func (b *Bridge) hasSlot() bool {
	exp := b.Config.CapOffset(CapIDExp)
	if exp == 0 {
		return false
	}
	flags, err := b.Config.Read16(exp + ExpFlags)
	if err != nil {
		return false
	}
	return flags&ExpFlagsSlot != 0
}

// WaitForLink polls the link status register until training is done and the
// data link layer reports active. Returns the time training took.
func (b *Bridge) WaitForLink(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	exp := b.Config.CapOffset(CapIDExp)
	if exp == 0 {
		return 0, fmt.Errorf("%s has no pcie capability", b)
	}

	start := time.Now()
	var prev uint16 = 0xffff
	for {
		if err := ctx.Err(); err != nil {
			return time.Since(start), err
		}
		if time.Since(start) > timeout {
			return timeout, fmt.Errorf("%s link failed to train within %s", b, timeout)
		}

		status, err := b.Config.Read16(exp + ExpLinkSta)
		if err != nil {
			return time.Since(start), err
		}
		if status != prev {
			log.Logger.Debugw("link status changed",
				"bridge", b.Addr,
				"status", fmt.Sprintf("%#x", status),
				"elapsed", time.Since(start))
			prev = status
		}
		if status&ExpLinkStaLT == 0 && status&ExpLinkStaDLLLA != 0 {
			elapsed := time.Since(start)
			log.Logger.Debugw("link trained",
				"bridge", b.Addr,
				"gen", status&ExpLinkStaCLS,
				"elapsed", elapsed)
			return elapsed, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// SecondaryBusReset pulses the bus reset bit in the bridge control register
// and waits for the downstream link to retrain. Hotplug and link state
// change notifications on slot-capable ports are masked across the reset so
// the OS does not react to the intentional link bounce.
func (b *Bridge) SecondaryBusReset(ctx context.Context) error {
	exp := b.Config.CapOffset(CapIDExp)

	modifiedSlotCtl := false
	var savedSlotCtl uint16
	if exp != 0 && b.hasSlot() {
		v, err := b.Config.Read16(exp + ExpSlotCtl)
		if err != nil {
			return err
		}
		savedSlotCtl = v & (ExpSlotCtlDLLSCE | ExpSlotCtlHPIE)
		if err := b.Config.UpdateBits16(exp+ExpSlotCtl, ExpSlotCtlDLLSCE|ExpSlotCtlHPIE, 0); err != nil {
			return err
		}
		modifiedSlotCtl = true
	}

	if err := b.setSecondaryBusReset(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := b.setSecondaryBusReset(false); err != nil {
		return err
	}

	trainTime, err := b.WaitForLink(ctx, 5*time.Second)
	if err != nil {
		return err
	}

	if modifiedSlotCtl {
		// Slot status updates can lag a fast link train; presence and link
		// state interrupts that fire after we unmask would look like a
		// surprise hotplug to the OS.
		if trainTime < 300*time.Millisecond {
			time.Sleep(300*time.Millisecond - trainTime)
		}

		// Clear pending presence detect and link state change bits (RW1C).
		if err := b.Config.Write16(exp+ExpSlotSta, ExpSlotStaPDC|ExpSlotStaDLLSC); err != nil {
			return err
		}
		if err := b.Config.UpdateBits16(exp+ExpSlotCtl, ExpSlotCtlDLLSCE|ExpSlotCtlHPIE, savedSlotCtl); err != nil {
			return err
		}
	}
	return nil
}
