package pci

import (
	"fmt"
	"sort"
	"time"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
)

// SnapshotOffsets are the config space registers a reset wipes and a restore
// has to bring back: device control, the BAR registers, and the virtual
// channel control register in extended space.
var SnapshotOffsets = []int{
	0x4,   // command / device control
	0x10,  // BAR0
	0x14,  // BAR1 low
	0x18,  // BAR1 high
	0x1c,  // BAR2 low
	0x20,  // BAR2 high
	0x24,  // BAR3
	0x114, // VC capability control
}

// lastOffsets are written after everything else during restore so MMIO
// decoding is only re-enabled once the BARs hold valid addresses.
var lastOffsets = map[int]bool{
	0x4:   true,
	0x114: true,
}

const (
	restoreAttempts = 3
	restoreBackoff  = 50 * time.Millisecond
)

// Snapshot holds captured config space register values keyed by offset.
type Snapshot struct {
	Values map[int]uint32
}

// CaptureSnapshot reads the snapshot registers. Offsets beyond the visible
// config space size (extended space may be unavailable) are skipped.
func CaptureSnapshot(c *ConfigSpace) (*Snapshot, error) {
	s := &Snapshot{Values: map[int]uint32{}}
	for _, offset := range SnapshotOffsets {
		if offset+4 > c.Size() {
			continue
		}
		v, err := c.Read32(offset)
		if err != nil {
			return nil, err
		}
		s.Values[offset] = v
	}
	return s, nil
}

// Restore writes the captured values back, command and control registers
// last. A device still coming out of reset can swallow writes; the whole
// sequence is retried with backoff and verified by reading back, and
// ErrRestoreFailed is returned once the attempts are exhausted.
func (s *Snapshot) Restore(c *ConfigSpace) error {
	var lastErr error
	for attempt := 0; attempt < restoreAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(restoreBackoff << (attempt - 1))
			log.Logger.Warnw("retrying config space restore", "attempt", attempt)
		}
		if lastErr = s.restoreOnce(c); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%v: %w", lastErr, errdefs.ErrRestoreFailed)
}

func (s *Snapshot) restoreOnce(c *ConfigSpace) error {
	if !c.Responsive() {
		return fmt.Errorf("config space reads all-ones")
	}

	offsets := make([]int, 0, len(s.Values))
	for offset := range s.Values {
		if !lastOffsets[offset] {
			offsets = append(offsets, offset)
		}
	}
	sort.Ints(offsets)
	for offset := range s.Values {
		if lastOffsets[offset] {
			offsets = append(offsets, offset)
		}
	}

	for _, offset := range offsets {
		if err := c.Write32(offset, s.Values[offset]); err != nil {
			return err
		}
	}

	return s.verify(c)
}

func (s *Snapshot) verify(c *ConfigSpace) error {
	for offset, want := range s.Values {
		got, err := c.Read32(offset)
		if err != nil {
			return err
		}
		mask := uint32(0xffffffff)
		if offset == 0x4 {
			// The high half is the status register, RW1C bits churn.
			mask = 0xffff
		}
		if got&mask != want&mask {
			return fmt.Errorf("offset %#x reads %#x, want %#x", offset, got, want)
		}
	}
	return nil
}
