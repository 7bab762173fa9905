package fsp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
)

// Knob identifies one persistent security knob owned by the FSP. Only some
// IDs have published names; the rest are reserved and reported numerically.
type Knob uint32

const (
	KnobForceResetCouplingAllowInband Knob = 3
	KnobForceResetCoupling            Knob = 4
	KnobCCDAllowInband                Knob = 5
	KnobCCD                           Knob = 6
	KnobCCMAllowInband                Knob = 7
	KnobCCM                           Knob = 8
	KnobBar0DecouplerAllowInband      Knob = 9
	KnobBar0Decoupler                 Knob = 10
	KnobPPCIeAllowInband              Knob = 44
	KnobPPCIe                         Knob = 45

	// The full knob ID space the firmware enumerates.
	knobIDMax = 46
)

var knobNames = map[Knob]string{
	KnobForceResetCouplingAllowInband: "FORCE_RESET_COUPLING_ALLOW_INB",
	KnobForceResetCoupling:            "FORCE_RESET_COUPLING",
	KnobCCDAllowInband:                "CCD_ALLOW_INB",
	KnobCCD:                           "CCD",
	KnobCCMAllowInband:                "CCM_ALLOW_INB",
	KnobCCM:                           "CCM",
	KnobBar0DecouplerAllowInband:      "BAR0_DECOUPLER_ALLOW_INB",
	KnobBar0Decoupler:                 "BAR0_DECOUPLER",
	KnobPPCIeAllowInband:              "PPCIE_ALLOW_INB",
	KnobPPCIe:                         "PPCIE",
}

func (k Knob) String() string {
	if name, ok := knobNames[k]; ok {
		return fmt.Sprintf("%s %d (%#x)", name, uint32(k), uint32(k))
	}
	return fmt.Sprintf("%d (%#x)", uint32(k), uint32(k))
}

// ParseKnob resolves a user-supplied knob reference, either a published name
// (case insensitive) or a numeric ID.
func ParseKnob(s string) (Knob, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for knob, name := range knobNames {
		if name == upper {
			return knob, nil
		}
	}
	id, err := strconv.ParseUint(upper, 0, 32)
	if err != nil || id < 1 || id > knobIDMax {
		return 0, fmt.Errorf("unknown knob %q", s)
	}
	return Knob(id), nil
}

// AllKnobs returns every knob ID the firmware may implement, in order.
func AllKnobs() []Knob {
	knobs := make([]Knob, 0, knobIDMax)
	for id := Knob(1); id <= knobIDMax; id++ {
		knobs = append(knobs, id)
	}
	return knobs
}

// PRC sub-message opcodes.
const (
	prcOpECC          = 0x1
	prcOpCoupleReset  = 0x4
	prcOpBlockNVLinks = 0xa
	prcOpKnobRead     = 0xc
	prcOpKnobWrite    = 0xd

	// Persistence field: 0x1 applies after reset only, 0x3 also persists.
	prcVolatile   = 0x1
	prcPersistent = 0x3

	prcTimeout = 5 * time.Second
)

func persistField(persistent bool) uint32 {
	if persistent {
		return prcPersistent
	}
	return prcVolatile
}

func (c *Client) prc(ctx context.Context, payload []uint32) ([]uint32, error) {
	return c.SendCmd(ctx, NvdmTypePRC, payload, prcTimeout)
}

// ReadKnob queries the pending value of one knob.
func (c *Client) ReadKnob(ctx context.Context, knob Knob) (uint16, error) {
	resp, err := c.prc(ctx, []uint32{prcOpKnobRead | 0x2<<8 | uint32(knob)<<16})
	if err != nil {
		return 0, err
	}
	if len(resp) != 1 {
		return 0, fmt.Errorf("%s knob %s read returned %d words: %#x", c, knob, len(resp), resp)
	}
	return uint16(resp[0] & 0xffff), nil
}

// WriteKnob stages a new knob value, effective at the next reset.
func (c *Client) WriteKnob(ctx context.Context, knob Knob, value uint16) error {
	_, err := c.prc(ctx, []uint32{prcOpKnobWrite | 0x2<<8 | uint32(knob)<<16, uint32(value)})
	if err != nil {
		return err
	}
	log.Logger.Infow("knob staged for next reset", "client", c.String(), "knob", knob.String(), "value", value)
	return nil
}

// CheckAndWriteKnob writes the knob only when its pending value differs,
// sparing a write cycle of the FSP's EEPROM. Reports whether a write
// happened.
func (c *Client) CheckAndWriteKnob(ctx context.Context, knob Knob, value uint16) (bool, error) {
	current, err := c.ReadKnob(ctx, knob)
	if err != nil {
		return false, err
	}
	if current == value {
		log.Logger.Debugw("knob already at the requested value", "client", c.String(), "knob", knob.String(), "value", value)
		return false, nil
	}
	return true, c.WriteKnob(ctx, knob, value)
}

// KnobState is one knob's pending value as reported by the FSP.
type KnobState struct {
	Knob  Knob
	Value uint16
}

// QueryKnobs reads every knob the firmware implements. Knobs the firmware
// predates are skipped.
func (c *Client) QueryKnobs(ctx context.Context) ([]KnobState, error) {
	var states []KnobState
	for _, knob := range AllKnobs() {
		value, err := c.ReadKnob(ctx, knob)
		if err != nil {
			var rpcErr *Error
			if errors.As(err, &rpcErr) && rpcErr.IsInvalidKnob() {
				continue
			}
			return nil, err
		}
		states = append(states, KnobState{Knob: knob, Value: value})
	}
	return states, nil
}

// SetECC stages the ECC state through the firmware, effective at the next
// reset.
func (c *Client) SetECC(ctx context.Context, enable, persistent bool) error {
	var enableField uint32
	if enable {
		enableField = 1
	}
	_, err := c.prc(ctx, []uint32{prcOpECC | persistField(persistent)<<8 | enableField<<16})
	if err != nil {
		return err
	}
	log.Logger.Infow("ECC staged for next reset",
		"client", c.String(), "enable", enable, "persistent", persistent)
	return nil
}

// BlockNVLinks asks the firmware to keep the masked links disabled from the
// next reset on. Bit i of mask covers link i.
func (c *Client) BlockNVLinks(ctx context.Context, mask uint64, persistent bool) error {
	payload := []uint32{
		prcOpBlockNVLinks | persistField(persistent)<<8 | uint32(mask&0xffff)<<16,
		uint32(mask >> 16),
	}
	// Devices with more than 48 links carry the rest in a third word.
	if c.dev.Kind == device.KindNVSwitch || c.dev.Info.Arch == product.ArchHopper {
		payload = append(payload, uint32(mask>>48))
	}
	if _, err := c.prc(ctx, payload); err != nil {
		return err
	}
	log.Logger.Infow("NVLink block mask staged for next reset",
		"client", c.String(), "mask", fmt.Sprintf("%#x", mask), "persistent", persistent)
	return nil
}

// CoupleReset arms one-shot reset coupling: the next function level reset is
// escalated by the firmware to cover the whole chip.
func (c *Client) CoupleReset(ctx context.Context) error {
	_, err := c.prc(ctx, []uint32{prcOpCoupleReset | 0x1<<8 | 0x1<<16})
	if err != nil {
		return err
	}
	log.Logger.Infow("reset coupling armed for the next reset", "client", c.String())
	return nil
}

// EnableResetCoupling turns the reset coupling permission knob on so
// CoupleReset can take effect. The knob is under out-of-band control; when
// in-band writes to it are disallowed this fails with ErrAccessDenied.
func (c *Client) EnableResetCoupling(ctx context.Context) error {
	v, err := c.ReadKnob(ctx, KnobForceResetCoupling)
	if err != nil {
		return err
	}
	if v != 0 {
		return nil
	}
	allow, err := c.ReadKnob(ctx, KnobForceResetCouplingAllowInband)
	if err != nil {
		return err
	}
	if allow == 0 {
		return fmt.Errorf("%s: reset coupling is disabled and in-band control of it is not allowed, enable it through the out-of-band API first: %w",
			c, errdefs.ErrAccessDenied)
	}
	return c.WriteKnob(ctx, KnobForceResetCoupling, 1)
}
