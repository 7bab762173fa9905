// Package fsptest simulates the FSP mailbox on top of a pci.MemRegion so the
// RPC client and the knob logic above it can be tested without hardware.
package fsptest

import "github.com/leptonai/gpuctl/pkg/pci"

const (
	cmdQueueHeadBase = 0x8f0000 + 0x2c00
	cmdQueueTailBase = 0x8f0000 + 0x2c04
	msgQueueHeadBase = 0x8f0000 + 0x2c80
	msgQueueTailBase = 0x8f0000 + 0x2c84
	ememPortBase     = 0x8f2000 + 0xac0

	ememAutoIncWrite = 1 << 24
	ememAutoIncRead  = 1 << 25

	nvdmTypePRC      = 0x13
	nvdmTypeResponse = 0x15

	errCodeInvalidKnob = 0x1e3

	ememWords = 2048
)

// Simulator implements enough of the FSP command/message queue protocol to
// answer PRC RPCs. Attach installs it on a BAR0 MemRegion; state mutated by
// the commands is left in exported fields for assertions.
type Simulator struct {
	// Knobs holds the pending knob values. Reads of absent IDs return 0.
	Knobs map[uint32]uint16

	// InvalidKnobs lists IDs the simulated firmware rejects with the
	// invalid-knob error, as old firmware does for knobs it predates.
	InvalidKnobs map[uint32]bool

	// ErrCode, when non-zero, fails every command with that code.
	ErrCode uint32

	// Results of the non-knob commands.
	ECCPending     *bool
	ECCPersistent  bool
	BlockedMask    uint64
	BlockPersisted bool
	CoupleArmed    bool

	// Requests counts fully-assembled messages, multi-packet ones once.
	Requests int

	channel int
	mem     *pci.MemRegion

	emem    [ememWords]uint32
	ememc   uint32
	pending []uint32
}

// Attach wires the simulator into the region's hooks. Any previous hooks are
// replaced.
func (s *Simulator) Attach(mem *pci.MemRegion, channel int) {
	if s.Knobs == nil {
		s.Knobs = map[uint32]uint16{}
	}
	s.channel = channel
	s.mem = mem
	mem.ReadHook = s.onRead
	mem.WriteHook = s.onWrite
}

func (s *Simulator) cmdHeadOff() int { return cmdQueueHeadBase + s.channel*8 }
func (s *Simulator) cmdTailOff() int { return cmdQueueTailBase + s.channel*8 }
func (s *Simulator) msgHeadOff() int { return msgQueueHeadBase + s.channel*8 }
func (s *Simulator) msgTailOff() int { return msgQueueTailBase + s.channel*8 }
func (s *Simulator) ememcOff() int   { return ememPortBase + s.channel*8 }
func (s *Simulator) ememdOff() int   { return s.ememcOff() + 4 }

func (s *Simulator) onRead(offset int) (uint32, bool) {
	if offset != s.ememdOff() || s.ememc&ememAutoIncRead == 0 {
		return 0, false
	}
	v := s.emem[(s.ememc&0xffff)/4%ememWords]
	s.ememc += 4
	return v, true
}

func (s *Simulator) onWrite(offset int, value uint32) {
	switch offset {
	case s.ememcOff():
		s.ememc = value
	case s.ememdOff():
		if s.ememc&ememAutoIncWrite != 0 {
			s.emem[(s.ememc&0xffff)/4%ememWords] = value
			s.ememc += 4
		}
	case s.cmdHeadOff():
		s.onCommand(value)
	}
}

// onCommand fires when the driver publishes a packet by writing the command
// queue head.
func (s *Simulator) onCommand(head uint32) {
	tail := s.mem.Uint32(s.cmdTailOff())
	words := int(tail-head)/4 + 1
	packet := make([]uint32, words)
	for i := range packet {
		packet[i] = s.emem[(head/4)+uint32(i)]
	}

	// Consume the packet.
	s.mem.SetUint32(s.cmdHeadOff(), tail)

	transport := packet[0]
	som := transport>>31&1 == 1
	eom := transport>>30&1 == 1
	if som {
		s.pending = s.pending[:0]
	}
	s.pending = append(s.pending, packet[1:]...)
	if !eom {
		return
	}

	msg := s.pending
	s.pending = nil
	s.Requests++

	nvdmType := msg[0] >> 24
	code, data := s.handle(nvdmType, msg[1:])
	s.respond(nvdmType, code, data)
}

func (s *Simulator) handle(nvdmType uint32, payload []uint32) (uint32, []uint32) {
	if s.ErrCode != 0 {
		return s.ErrCode, nil
	}
	if nvdmType != nvdmTypePRC || len(payload) == 0 {
		return 0xffffffff, nil
	}

	op := payload[0] & 0xff
	switch op {
	case 0xc: // knob read
		id := payload[0] >> 16
		if s.InvalidKnobs[id] {
			return errCodeInvalidKnob, nil
		}
		return 0, []uint32{uint32(s.Knobs[id])}
	case 0xd: // knob write
		id := payload[0] >> 16
		if s.InvalidKnobs[id] {
			return errCodeInvalidKnob, nil
		}
		s.Knobs[id] = uint16(payload[1])
		return 0, nil
	case 0x1: // ecc
		enable := payload[0]>>16&1 == 1
		s.ECCPending = &enable
		s.ECCPersistent = payload[0]>>8&0xff == 0x3
		return 0, nil
	case 0xa: // block nvlinks
		mask := uint64(payload[0] >> 16)
		if len(payload) > 1 {
			mask |= uint64(payload[1]) << 16
		}
		if len(payload) > 2 {
			mask |= uint64(payload[2]) << 48
		}
		s.BlockedMask = mask
		s.BlockPersisted = payload[0]>>8&0xff == 0x3
		return 0, nil
	case 0x4: // couple reset
		s.CoupleArmed = true
		return 0, nil
	}
	return 0xffffffff, nil
}

func (s *Simulator) respond(reqType, code uint32, data []uint32) {
	resp := []uint32{
		1<<31 | 1<<30, // som | eom
		nvdmTypeResponse << 24,
		0,
		reqType,
		code,
	}
	resp = append(resp, data...)

	base := uint32(s.channel * 1024)
	for i, w := range resp {
		s.emem[(base/4)+uint32(i)] = w
	}
	s.mem.SetUint32(s.msgHeadOff(), base)
	s.mem.SetUint32(s.msgTailOff(), base+uint32(len(resp)-1)*4)
}
