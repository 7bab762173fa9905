// Package fsp speaks to the GPU's firmware root of trust (the FSP
// microcontroller) over the EMEM mailbox channel, carrying MCTP-framed NVDM
// messages. The PRC (platform root-of-trust configuration) command set on
// top of it reads and writes the persistent security knobs.
package fsp

import (
	"context"
	"fmt"
	"time"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
)

const (
	// FSP falcon register layout.
	falconBasePage = 0x8f0000
	ememBasePage   = 0x8f2000

	cmdQueueHeadBase = falconBasePage + 0x2c00
	cmdQueueTailBase = falconBasePage + 0x2c04
	msgQueueHeadBase = falconBasePage + 0x2c80
	msgQueueTailBase = falconBasePage + 0x2c84

	// EMEM access ports, one control/data pair per port.
	ememPortBase = ememBasePage + 0xac0

	ememAutoIncWrite = 1 << 24
	ememAutoIncRead  = 1 << 25

	// The RPC channel used by out-of-band tooling. Each channel owns 1 KiB
	// of EMEM.
	rpcChannel       = 2
	channelEmemBytes = 1024
	maxPacketBytes   = 1024
	maxPacketWords   = maxPacketBytes / 4
	mctpHeaderWords  = 1
	msgHeaderWords   = 1

	// NVDM message types.
	NvdmTypePRC      = 0x13
	NvdmTypeInforom  = 0x17
	NvdmTypeFbdma    = 0x22
	nvdmTypeResponse = 0x15

	mctpMsgTypeVendorPCI = 0x7e
	vendorNVIDIA         = 0x10de

	// FSP error code for a knob the firmware does not know.
	errCodeInvalidKnob = 0x1e3
)

// Error is a non-zero completion code returned by the FSP for an RPC.
type Error struct {
	Device string
	Code   uint32
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s FSP RPC failed with error %#x", e.Device, e.Code)
}

// IsInvalidKnob reports whether the firmware rejected the knob ID, which is
// how older firmware responds to knobs it predates.
func (e *Error) IsInvalidKnob() bool { return e.Code == errCodeInvalidKnob }

// Client is an RPC session with the FSP of one device.
type Client struct {
	dev     *device.Device
	channel int
}

// New opens the RPC channel. Boot completion is awaited first so the FSP is
// actually listening; a boot timeout is logged and tolerated since the RPC
// interface may still be up.
func New(ctx context.Context, dev *device.Device) (*Client, error) {
	if !dev.HasFSP() {
		return nil, fmt.Errorf("%s: FSP: %w", dev, errdefs.ErrNotSupported)
	}
	if dev.Kind == device.KindGPU && dev.Info.Arch.AtLeast(product.ArchBlackwell) {
		// Blackwell moved the out-of-band RPC to the MNOC transport.
		return nil, fmt.Errorf("%s: FSP EMEM channel: %w", dev, errdefs.ErrNotSupported)
	}

	if err := dev.WaitForBoot(ctx); err != nil {
		log.Logger.Warnw("device has not booted within the timeout, FSP RPC may still be available",
			"device", dev.String(), "error", err)
	}

	c := &Client{dev: dev, channel: rpcChannel}
	if err := c.resetState(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("%s FSP-RPC", c.dev)
}

func (c *Client) ememBase() uint32 { return uint32(c.channel * channelEmemBytes) }

func (c *Client) cmdQueueHeadOff() int { return cmdQueueHeadBase + c.channel*8 }
func (c *Client) cmdQueueTailOff() int { return cmdQueueTailBase + c.channel*8 }
func (c *Client) msgQueueHeadOff() int { return msgQueueHeadBase + c.channel*8 }
func (c *Client) msgQueueTailOff() int { return msgQueueTailBase + c.channel*8 }

func (c *Client) ememcOff() int { return ememPortBase + c.channel*8 }
func (c *Client) ememdOff() int { return c.ememcOff() + 4 }

func (c *Client) readQueueState() (head, tail uint32, err error) {
	if head, err = c.dev.Read32(c.cmdQueueHeadOff()); err != nil {
		return
	}
	tail, err = c.dev.Read32(c.cmdQueueTailOff())
	return
}

func (c *Client) readMsgQueueState() (head, tail uint32, err error) {
	if head, err = c.dev.Read32(c.msgQueueHeadOff()); err != nil {
		return
	}
	tail, err = c.dev.Read32(c.msgQueueTailOff())
	return
}

// resetState drains a previous user's leftover state so the channel starts
// from empty queues.
func (c *Client) resetState(ctx context.Context) error {
	cmdHead, cmdTail, err := c.readQueueState()
	if err != nil {
		return err
	}
	msgHead, msgTail, err := c.readMsgQueueState()
	if err != nil {
		return err
	}
	if cmdHead == cmdTail && msgHead == msgTail {
		return nil
	}

	log.Logger.Debugw("FSP channel not empty, waiting for it to settle", "client", c.String())
	_ = c.pollMsgQueue(ctx, 5*time.Second) // best effort

	base := c.ememBase()
	if err := c.writeCmdQueue(base, base); err != nil {
		return err
	}
	if err := c.dev.WriteVerbose(c.msgQueueTailOff(), base); err != nil {
		return err
	}
	return c.dev.WriteVerbose(c.msgQueueHeadOff(), base)
}

func (c *Client) writeCmdQueue(head, tail uint32) error {
	if err := c.dev.WriteVerbose(c.cmdQueueTailOff(), tail); err != nil {
		return err
	}
	return c.dev.WriteVerbose(c.cmdQueueHeadOff(), head)
}

func (c *Client) pollMsgQueue(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, tail, err := c.readMsgQueueState()
		if err != nil {
			return err
		}
		if head != tail {
			return nil
		}
		if time.Since(start) > timeout {
			return fmt.Errorf("%s timed out waiting for a response, head %#x == tail %#x", c, head, tail)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *Client) pollCmdQueueEmpty(ctx context.Context) error {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, tail, err := c.readQueueState()
		if err != nil {
			return err
		}
		if head == tail {
			return nil
		}
		if time.Since(start) > time.Second {
			return fmt.Errorf("%s timed out waiting for the command queue to drain, head %#x != tail %#x", c, head, tail)
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *Client) writeEmem(words []uint32, base uint32) error {
	if err := c.dev.Write32(c.ememcOff(), base|ememAutoIncWrite); err != nil {
		return err
	}
	for _, w := range words {
		if err := c.dev.Write32(c.ememdOff(), w); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readEmem(base uint32, words int) ([]uint32, error) {
	if err := c.dev.Write32(c.ememcOff(), base|ememAutoIncRead); err != nil {
		return nil, err
	}
	out := make([]uint32, words)
	for i := range out {
		// EMEM content can legitimately match the 0xbadf pattern.
		v, err := c.dev.ReadBadOK(c.ememdOff())
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *Client) sendPacket(ctx context.Context, words []uint32) error {
	if err := c.pollCmdQueueEmpty(ctx); err != nil {
		return err
	}
	base := c.ememBase()
	if err := c.writeEmem(words, base); err != nil {
		return err
	}
	return c.writeCmdQueue(base, base+uint32(len(words)-1)*4)
}

func (c *Client) receive(ctx context.Context, timeout time.Duration) ([]uint32, error) {
	if err := c.pollMsgQueue(ctx, timeout); err != nil {
		return nil, err
	}
	head, tail, err := c.readMsgQueueState()
	if err != nil {
		return nil, err
	}
	words := int(tail-head)/4 + 1
	data, err := c.readEmem(c.ememBase(), words)
	if err != nil {
		return nil, err
	}
	// Return the buffer to the FSP before inspecting it.
	if err := c.dev.WriteVerbose(c.msgQueueTailOff(), head); err != nil {
		return nil, err
	}
	return data, nil
}

// mctpTransportHeader packs the MCTP transport word: som/eom delimit a
// message, seq numbers the middle packets.
func mctpTransportHeader(som, eom bool, seq uint32) uint32 {
	var w uint32
	// version 0, deid 0, seid 0, tag 0, to 0
	w |= (seq & 0x3) << 28
	if eom {
		w |= 1 << 30
	}
	if som {
		w |= 1 << 31
	}
	return w
}

// mctpMessageHeader packs the vendor-defined message header carrying the
// NVDM type.
func mctpMessageHeader(nvdmType uint32) uint32 {
	return mctpMsgTypeVendorPCI | vendorNVIDIA<<8 | (nvdmType&0xff)<<24
}

func nvdmTypeOf(msgHeader uint32) uint32 { return msgHeader >> 24 }

// SendCmd issues one NVDM command and waits for its completion, splitting
// payloads larger than a packet into an MCTP multi-packet message.
func (c *Client) SendCmd(ctx context.Context, nvdmType uint32, payload []uint32, timeout time.Duration) ([]uint32, error) {
	total := len(payload) + mctpHeaderWords + msgHeaderWords
	som, eom := true, total <= maxPacketWords
	seq := uint32(0)

	packet := make([]uint32, 0, maxPacketWords)
	packet = append(packet, mctpTransportHeader(som, eom, 0), mctpMessageHeader(nvdmType))
	packet = append(packet, payload...)
	remaining := []uint32(nil)
	if len(packet) > maxPacketWords {
		remaining = packet[maxPacketWords:]
		packet = packet[:maxPacketWords]
	}

	log.Logger.Debugw("sending FSP command",
		"client", c.String(),
		"nvdmType", fmt.Sprintf("%#x", nvdmType),
		"totalBytes", total*4,
		"firstPacketBytes", len(packet)*4)
	if err := c.sendPacket(ctx, packet); err != nil {
		return nil, err
	}

	for len(remaining) != 0 {
		seq = (seq + 1) % 4
		eom = len(remaining)+mctpHeaderWords <= maxPacketWords
		packet = append([]uint32{mctpTransportHeader(false, eom, seq)}, remaining...)
		if len(packet) > maxPacketWords {
			remaining = packet[maxPacketWords:]
			packet = packet[:maxPacketWords]
		} else {
			remaining = nil
		}
		if err := c.sendPacket(ctx, packet); err != nil {
			return nil, err
		}
	}

	resp, err := c.receive(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < 5 {
		return nil, fmt.Errorf("%s response of %d words is smaller than expected: %#x", c, len(resp), resp)
	}
	if nvdmTypeOf(resp[1]) != nvdmTypeResponse {
		return nil, fmt.Errorf("%s response has wrong nvdm type: %#x", c, resp)
	}
	if resp[3] != nvdmType {
		return nil, fmt.Errorf("%s response for request type %#x does not match command %#x", c, resp[3], nvdmType)
	}
	if resp[4] != 0 {
		return nil, &Error{Device: c.dev.String(), Code: resp[4]}
	}
	return resp[5:], nil
}
