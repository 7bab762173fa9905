package pci

import (
	"fmt"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
)

// Standard config space register offsets, values as in the PCI specs and
// Linux's pci_regs.h.
const (
	RegVendorID      = 0x00
	RegDeviceID      = 0x02
	RegCommand       = 0x04
	RegClassRevision = 0x08
	RegHeaderType    = 0x0e
	RegBAR0          = 0x10
	RegSubVendorID   = 0x2c
	RegSubDeviceID   = 0x2e
	RegCapPointer    = 0x34
	RegBridgeControl = 0x3e

	CmdMemory    = 0x0002
	CmdBusMaster = 0x0004

	BridgeCtlBusReset = 0x0040

	CapIDPM  = 0x01
	CapIDExp = 0x10

	// PCIe capability register offsets relative to the capability.
	ExpFlags    = 0x02
	ExpDevCap   = 0x04
	ExpDevCtl   = 0x08
	ExpLinkCap  = 0x0c
	ExpLinkCtl  = 0x10
	ExpLinkSta  = 0x12
	ExpSlotCtl  = 0x18
	ExpSlotSta  = 0x1a
	ExpDevCtl2  = 0x28
	ExpLinkCtl2 = 0x30

	ExpFlagsSlot     = 0x0100
	ExpDevCapFLR     = 0x10000000
	ExpDevCtlBCRFLR  = 0x8000
	ExpLinkCtlLD     = 0x0010
	ExpLinkStaCLS    = 0x000f
	ExpLinkStaLT     = 0x0800
	ExpLinkStaDLLLA  = 0x2000
	ExpSlotCtlHPIE   = 0x0020
	ExpSlotCtlDLLSCE = 0x1000
	ExpSlotStaPDC    = 0x0008
	ExpSlotStaDLLSC  = 0x0100

	// Power management capability.
	PMCtrl          = 0x04
	PMCtrlStateMask = 0x0003
	PMCtrlStateD0   = 0x0000

	CfgSpaceSize    = 256
	CfgSpaceExpSize = 4096

	ExtCapStart   = 0x100
	ExtCapIDErr   = 0x0001
	ExtCapIDACS   = 0x000d
	ExtCapIDSRIOV = 0x0010
	ExtCapIDDPC   = 0x001d
	ExtCapIDDVSEC = 0x0023
)

// DVSECKey identifies a designated vendor-specific extended capability by the
// vendor ID and DVSEC ID in its first two header dwords.
type DVSECKey struct {
	Vendor uint16
	ID     uint16
}

// ConfigSpace wraps a Region holding PCI config space and knows how to walk
// its capability lists. The capability maps are filled once by Walk; devices
// whose list pointer reads back 0xff are flagged broken and left with empty
// maps.
type ConfigSpace struct {
	Region

	Caps    map[uint8]int
	ExtCaps map[uint16][]int
	DVSEC   map[DVSECKey]int

	Broken bool
}

// NewConfigSpace walks the capability lists of r and returns the wrapped
// space. Walking is bounded and cycle guarded, a device feeding back garbage
// terminates the walk instead of hanging it.
func NewConfigSpace(r Region) (*ConfigSpace, error) {
	c := &ConfigSpace{
		Region:  r,
		Caps:    map[uint8]int{},
		ExtCaps: map[uint16][]int{},
		DVSEC:   map[DVSECKey]int{},
	}
	if err := c.walk(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ConfigSpace) walk() error {
	capOffset, err := c.Read8(RegCapPointer)
	if err != nil {
		return err
	}
	if capOffset == 0xff {
		// All-ones reads mean the device is not decoding config cycles.
		c.Broken = true
		return nil
	}

	// The standard list fits at most ~48 capabilities in 192 bytes; anything
	// longer is a loop through garbage.
	for i := 0; capOffset != 0 && i < 48; i++ {
		header, err := c.Read32(int(capOffset))
		if err != nil {
			return err
		}
		c.Caps[uint8(header&0xff)] = int(capOffset)
		capOffset = uint8(header >> 8)
	}

	return c.walkExtended()
}

func (c *ConfigSpace) walkExtended() error {
	if c.Size() <= CfgSpaceSize {
		return nil
	}

	offset := ExtCapStart
	visited := map[int]bool{}
	for offset != 0 {
		if visited[offset] {
			log.Logger.Warnw("extended capability loop", "offset", fmt.Sprintf("%#x", offset))
			break
		}
		visited[offset] = true

		header, err := c.Read32(offset)
		if err != nil {
			return err
		}
		if header == 0xffffffff {
			break
		}
		capID := uint16(header & 0xffff)
		c.ExtCaps[capID] = append(c.ExtCaps[capID], offset)
		offset = int((header >> 20) & 0xffc)
	}

	for _, dvsecOffset := range c.ExtCaps[ExtCapIDDVSEC] {
		hdr1, err := c.Read32(dvsecOffset + 0x4)
		if err != nil {
			return err
		}
		hdr2, err := c.Read32(dvsecOffset + 0x8)
		if err != nil {
			return err
		}
		key := DVSECKey{Vendor: uint16(hdr1 & 0xffff), ID: uint16(hdr2 & 0xffff)}
		c.DVSEC[key] = dvsecOffset
	}
	return nil
}

// CapOffset returns the offset of a standard capability, or 0 if absent.
func (c *ConfigSpace) CapOffset(id uint8) int { return c.Caps[id] }

// ExtCapOffset returns the first instance of an extended capability, or 0.
func (c *ConfigSpace) ExtCapOffset(id uint16) int {
	if offs := c.ExtCaps[id]; len(offs) > 0 {
		return offs[0]
	}
	return 0
}

// ReadDVSEC reads a 32-bit register inside a DVSEC capability identified by
// vendor and DVSEC id. Returns ErrNotSupported when the capability is absent.
func (c *ConfigSpace) ReadDVSEC(vendor, dvsecID uint16, offsetInCap int) (uint32, error) {
	offset, ok := c.DVSEC[DVSECKey{Vendor: vendor, ID: dvsecID}]
	if !ok {
		return 0, fmt.Errorf("dvsec %04x:%x: %w", vendor, dvsecID, errdefs.ErrNotSupported)
	}
	return c.Read32(offset + offsetInCap)
}

// UpdateBits16 read-modify-writes a 16-bit register, clearing mask and
// setting value.
func (c *ConfigSpace) UpdateBits16(offset int, mask, value uint16) error {
	v, err := c.Read16(offset)
	if err != nil {
		return err
	}
	v = (v &^ mask) | value
	return c.Write16(offset, v)
}

// SetCommandMemory enables or disables MMIO decoding in the command register.
func (c *ConfigSpace) SetCommandMemory(enable bool) error {
	var v uint16
	if enable {
		v = CmdMemory
	}
	return c.UpdateBits16(RegCommand, CmdMemory, v)
}

// SetBusMaster enables or disables DMA in the command register.
func (c *ConfigSpace) SetBusMaster(enable bool) error {
	var v uint16
	if enable {
		v = CmdBusMaster
	}
	return c.UpdateBits16(RegCommand, CmdBusMaster, v)
}

// Responsive probes config space at an offset unlikely to be intercepted by a
// hypervisor and reports whether the device decodes config cycles. The probe
// offset is within the standard 256 bytes so it works on any device.
func (c *ConfigSpace) Responsive() bool {
	v, err := c.Read16(0xf0)
	if err != nil {
		return false
	}
	return v != 0xffff
}
