package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/log"
)

const (
	VendorNVIDIA = 0x10de

	// PCI class codes (class << 16 | subclass << 8 | progif).
	ClassVGA      = 0x030000
	Class3D       = 0x030200
	ClassNVSwitch = 0x068000
)

// Selector picks devices out of the PCI topology. The grammar, terms
// separated by commas:
//
//	gpus             all NVIDIA GPUs
//	gpus[2]          the third GPU in BDF order
//	gpus[0:4]        the first four GPUs (half-open range)
//	nvswitches[...]  same forms for NVSwitches
//	10de:2330        any device with that vendor:device ID
//	0000:3b:00.0     one device by full PCI address
//
// Matches are returned in BDF order with duplicates removed.
type Selector struct {
	raw   string
	terms []selectorTerm
}

type termKind int

const (
	termGPUs termKind = iota
	termSwitches
	termVendorDevice
	termBDF
)

type selectorTerm struct {
	kind termKind

	// Half-open index range for gpus/nvswitches terms; hi -1 means to the
	// end.
	hasRange bool
	lo, hi   int

	vendor, device uint16
	bdf            string
}

var (
	classTermRegexp = regexp.MustCompile(`^(gpus|nvswitches)(?:\[(\d+)(?::(\d+))?\])?$`)
	vendorDevRegexp = regexp.MustCompile(`^([0-9a-fA-F]{1,4}):([0-9a-fA-F]{1,4})$`)
)

// ParseSelector parses the selector grammar. An empty selector means "gpus".
func ParseSelector(s string) (*Selector, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		raw = "gpus"
	}
	sel := &Selector{raw: raw}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty selector term in %q", raw)
		}
		term, err := parseTerm(part)
		if err != nil {
			return nil, err
		}
		sel.terms = append(sel.terms, term)
	}
	return sel, nil
}

func parseTerm(part string) (selectorTerm, error) {
	if m := classTermRegexp.FindStringSubmatch(part); m != nil {
		t := selectorTerm{kind: termGPUs, lo: 0, hi: -1}
		if m[1] == "nvswitches" {
			t.kind = termSwitches
		}
		if m[2] != "" {
			t.hasRange = true
			lo, err := strconv.Atoi(m[2])
			if err != nil {
				return t, err
			}
			t.lo = lo
			if m[3] != "" {
				hi, err := strconv.Atoi(m[3])
				if err != nil {
					return t, err
				}
				if hi < lo {
					return t, fmt.Errorf("selector %q: range end before start", part)
				}
				t.hi = hi
			} else {
				t.hi = lo + 1
			}
		}
		return t, nil
	}

	if IsBDF(strings.ToLower(part)) {
		return selectorTerm{kind: termBDF, bdf: strings.ToLower(part)}, nil
	}

	if m := vendorDevRegexp.FindStringSubmatch(part); m != nil {
		vendor, err := strconv.ParseUint(m[1], 16, 16)
		if err != nil {
			return selectorTerm{}, err
		}
		device, err := strconv.ParseUint(m[2], 16, 16)
		if err != nil {
			return selectorTerm{}, err
		}
		return selectorTerm{kind: termVendorDevice, vendor: uint16(vendor), device: uint16(device)}, nil
	}

	return selectorTerm{}, fmt.Errorf("cannot parse selector term %q", part)
}

func (s *Selector) String() string { return s.raw }

// scanEntry is the cheap sysfs attribute view of a device used during
// matching, before any config space is opened.
type scanEntry struct {
	addr   string
	path   string
	vendor uint16
	device uint16
	class  uint32
}

func (e scanEntry) isGPU() bool {
	return e.vendor == VendorNVIDIA && (e.class == ClassVGA || e.class == Class3D)
}

func (e scanEntry) isNVSwitch() bool {
	return e.vendor == VendorNVIDIA && e.class == ClassNVSwitch
}

func readSysfsHex(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

func scanDevices(root string) ([]scanEntry, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var entries []scanEntry
	for _, dir := range dirs {
		addr := dir.Name()
		if !IsBDF(addr) {
			continue
		}
		path := filepath.Join(root, addr)
		vendor, err := readSysfsHex(filepath.Join(path, "vendor"))
		if err != nil {
			log.Logger.Debugw("skipping device without vendor attribute", "path", path, "error", err)
			continue
		}
		device, err := readSysfsHex(filepath.Join(path, "device"))
		if err != nil {
			continue
		}
		class, err := readSysfsHex(filepath.Join(path, "class"))
		if err != nil {
			continue
		}
		entries = append(entries, scanEntry{
			addr:   addr,
			path:   path,
			vendor: uint16(vendor),
			device: uint16(device),
			class:  uint32(class),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })
	return entries, nil
}

func (t selectorTerm) match(entries []scanEntry) []scanEntry {
	switch t.kind {
	case termGPUs, termSwitches:
		var class []scanEntry
		for _, e := range entries {
			if (t.kind == termGPUs && e.isGPU()) || (t.kind == termSwitches && e.isNVSwitch()) {
				class = append(class, e)
			}
		}
		lo, hi := t.lo, t.hi
		if !t.hasRange {
			return class
		}
		if lo > len(class) {
			lo = len(class)
		}
		if hi < 0 || hi > len(class) {
			hi = len(class)
		}
		return class[lo:hi]
	case termVendorDevice:
		var out []scanEntry
		for _, e := range entries {
			if e.vendor == t.vendor && e.device == t.device {
				out = append(out, e)
			}
		}
		return out
	case termBDF:
		for _, e := range entries {
			if e.addr == t.bdf {
				return []scanEntry{e}
			}
		}
	}
	return nil
}

// Enumerate resolves a selector string against the PCI topology and opens
// each matched device. Matching zero devices is an error (ErrNoMatch), as is
// matching a device bound to a kernel driver unless the driver check is
// disabled.
func Enumerate(selector string, opts ...OpOption) ([]*Device, error) {
	sel, err := ParseSelector(selector)
	if err != nil {
		return nil, err
	}

	op := Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	entries, err := scanDevices(op.devicesRoot)
	if err != nil {
		return nil, err
	}

	matched := map[string]bool{}
	var picks []scanEntry
	for _, term := range sel.terms {
		for _, e := range term.match(entries) {
			if !matched[e.addr] {
				matched[e.addr] = true
				picks = append(picks, e)
			}
		}
	}
	sort.Slice(picks, func(i, j int) bool { return picks[i].addr < picks[j].addr })

	if len(picks) == 0 {
		return nil, fmt.Errorf("selector %q: %w", sel, errdefs.ErrNoMatch)
	}

	devices := make([]*Device, 0, len(picks))
	for _, e := range picks {
		d, err := newDevice(e.path, op)
		if err != nil {
			closeAll(devices)
			return nil, err
		}
		if driver := d.Driver(); driver != "" && !op.ignoreDriverCheck {
			closeAll(append(devices, d))
			return nil, fmt.Errorf("%s is bound to driver %q; unbind it or pass the ignore-driver option", d, driver)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func closeAll(devices []*Device) {
	for _, d := range devices {
		_ = d.Close()
	}
}
