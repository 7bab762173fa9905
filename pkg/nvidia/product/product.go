// Package product resolves NVIDIA device IDs into architecture, chip, and
// product information. The tables below drive all generation-dependent
// behavior: which registers hold mode knobs, which resets clear what, and
// which firmware interfaces exist.
package product

import (
	"fmt"
	"regexp"
	"strings"
)

// Arch is a GPU or NVSwitch silicon generation.
type Arch string

const (
	ArchUnknown   Arch = "unknown"
	ArchTuring    Arch = "turing"
	ArchAmpere    Arch = "ampere"
	ArchAda       Arch = "ada"
	ArchHopper    Arch = "hopper"
	ArchBlackwell Arch = "blackwell"

	// NVSwitch generations.
	ArchLimerock Arch = "limerock"
	ArchLaguna   Arch = "laguna"
)

var gpuArchOrder = []Arch{ArchTuring, ArchAmpere, ArchAda, ArchHopper, ArchBlackwell}

func archIndex(a Arch) int {
	for i, x := range gpuArchOrder {
		if x == a {
			return i
		}
	}
	return -1
}

// AtLeast reports whether a is the same GPU generation as b or a later one.
// Unknown and NVSwitch architectures compare false.
func (a Arch) AtLeast(b Arch) bool {
	ai, bi := archIndex(a), archIndex(b)
	return ai >= 0 && bi >= 0 && ai >= bi
}

type chipRange struct {
	lo, hi uint16 // devid range, inclusive
	arch   Arch
	chip   string
}

// chipRanges dispatches device IDs to chip families. Ordered: the Hopper
// window sits inside the broader Ampere GA10x space and has to match first.
var chipRanges = []chipRange{
	{0x1e00, 0x1fff, ArchTuring, "tu10x"},
	{0x2180, 0x21ff, ArchTuring, "tu11x"},
	{0x20b0, 0x20ff, ArchAmpere, "ga100"},
	{0x22f0, 0x237f, ArchHopper, "gh100"},
	{0x2200, 0x22ef, ArchAmpere, "ga102"},
	{0x2380, 0x25ff, ArchAmpere, "ga10x"},
	{0x2600, 0x28ff, ArchAda, "ad10x"},
	{0x2900, 0x297f, ArchBlackwell, "gb100"},
	{0x2980, 0x29ff, ArchBlackwell, "gb102"},
	{0x2b80, 0x2bff, ArchBlackwell, "gb202"},
	{0x2c00, 0x2c7f, ArchBlackwell, "gb203"},
	{0x2f00, 0x2f7f, ArchBlackwell, "gb205"},
	{0x2d00, 0x2d7f, ArchBlackwell, "gb206"},
	{0x2d80, 0x2dff, ArchBlackwell, "gb207"},
}

// nameByDevid maps device IDs to marketing names where one is known. Unknown
// devices get a Generic-<CHIP> name.
var nameByDevid = map[uint16]string{
	0x20b0: "A100",
	0x20b2: "A100",
	0x20b5: "A100",
	0x20f1: "A100",
	0x20b7: "A30",
	0x2236: "A10",
	0x2237: "A10G",
	0x27b6: "L2",
	0x27b8: "L4",
	0x26b7: "L20",
	0x26ba: "L20",
	0x26b5: "L40",
	0x26b9: "L40S",
	0x26b8: "L40G",
	0x2313: "H100",
	0x2321: "H100",
	0x2330: "H100",
	0x2331: "H100",
	0x2336: "H100",
	0x2337: "H100",
	0x2338: "H100",
	0x2339: "H100",
	0x233d: "H100",
	0x2335: "H200",
	0x233b: "H200",
	0x2342: "GH200",
	0x2343: "GH200",
	0x2345: "GH200",
	0x2348: "GH200",
	0x2322: "H800",
	0x2324: "H800",
	0x233a: "H800",
	0x2309: "H20",
	0x230c: "H20",
	0x230e: "H20",
	0x2328: "H20",
	0x2329: "H20",
	0x232c: "H20",
}

type devidSSID struct {
	devid uint16
	ssid  uint16
}

// Board-level flags keyed by (device id, subsystem id). Only form factors we
// have seen in the wild; absence means the flags are simply unknown.
var (
	flagsPCIe    = Flags{IsPCIe: true}
	flagsSXM     = Flags{IsSXM: true, HasModuleIDBitFlip: true}
	flagsSXMC2C  = Flags{IsSXM: true, HasC2C: true}
	flagsByBoard = map[devidSSID]Flags{
		{0x2321, 0x1839}: flagsPCIe,
		{0x2322, 0x17a4}: flagsPCIe,
		{0x2331, 0x1626}: flagsPCIe,
		{0x233a, 0x183a}: flagsPCIe,
		{0x233b, 0x1996}: flagsPCIe,
		{0x233d, 0x1626}: flagsPCIe,
		{0x2324, 0x17a6}: flagsSXM,
		{0x2324, 0x17a8}: flagsSXM,
		{0x2328, 0x1905}: flagsSXM,
		{0x2328, 0x1906}: flagsSXM,
		{0x2329, 0x198b}: flagsSXM,
		{0x2329, 0x198c}: flagsSXM,
		{0x232c, 0x2063}: flagsSXM,
		{0x232c, 0x2064}: flagsSXM,
		{0x2330, 0x16c0}: flagsSXM,
		{0x2330, 0x16c1}: flagsSXM,
		{0x2330, 0x2044}: flagsSXM,
		{0x2330, 0x20c1}: flagsSXM,
		{0x2335, 0x18be}: flagsSXM,
		{0x2335, 0x18bf}: flagsSXM,
		{0x2336, 0x16c2}: flagsSXM,
		{0x2336, 0x16c7}: flagsSXM,
		{0x2337, 0x16e5}: flagsSXM,
		{0x2337, 0x16ef}: flagsSXM,
		{0x2338, 0x16f6}: flagsSXM,
		{0x2338, 0x16f7}: flagsSXM,
		{0x2339, 0x17d9}: flagsSXM,
		{0x2339, 0x17fc}: flagsSXM,
		{0x2342, 0x16eb}: flagsSXMC2C,
		{0x2342, 0x16ec}: flagsSXMC2C,
		{0x2342, 0x16ed}: flagsSXMC2C,
		{0x2342, 0x1805}: flagsSXMC2C,
		{0x2342, 0x1809}: flagsSXMC2C,
		{0x2342, 0x1935}: flagsSXMC2C,
		{0x2342, 0x1937}: flagsSXMC2C,
		{0x2343, 0x16ec}: flagsSXMC2C,
		{0x2345, 0x16ed}: flagsSXMC2C,
		{0x2348, 0x18d2}: flagsSXMC2C,
	}
)

// Flags are board-level properties that vary within a chip family.
type Flags struct {
	IsSXM              bool
	IsPCIe             bool
	HasC2C             bool
	HasModuleIDBitFlip bool
}

// Info is the resolved identity of a GPU.
type Info struct {
	Arch  Arch
	Chip  string
	Name  string
	Flags Flags
}

// Lookup resolves a GPU device ID and subsystem ID. Devices outside all
// known ranges come back with ArchUnknown.
func Lookup(devid, ssid uint16) Info {
	info := Info{Arch: ArchUnknown, Chip: "unknown"}
	for _, r := range chipRanges {
		if devid >= r.lo && devid <= r.hi {
			info.Arch = r.arch
			info.Chip = r.chip
			break
		}
	}
	if info.Chip != "unknown" {
		info.Name = fmt.Sprintf("Generic-%s", strings.ToUpper(info.Chip))
	}
	if name, ok := nameByDevid[devid]; ok {
		info.Name = name
	}
	if flags, ok := flagsByBoard[devidSSID{devid, ssid}]; ok {
		info.Flags = flags
	}
	return info
}

// NVSwitch boot register values to generations. NVSwitches identify by the
// boot register rather than by device ID ranges.
var nvswitchByBoot0 = map[uint32]struct {
	arch Arch
	name string
}{
	0x6000a1: {ArchLimerock, "LR10"},
	0x7000a1: {ArchLaguna, "NVSwitch_gen3"},
}

// LookupNVSwitch resolves an NVSwitch generation from its boot register.
func LookupNVSwitch(boot0 uint32) (Info, bool) {
	m, ok := nvswitchByBoot0[boot0]
	if !ok {
		return Info{Arch: ArchUnknown, Chip: "unknown"}, false
	}
	return Info{Arch: m.arch, Chip: strings.ToLower(m.name), Name: m.name}, true
}

var productNameSanitizerRegexp = regexp.MustCompile("[^A-Za-z0-9-_. ]")

// SanitizeProductName sanitizes a product name the way the NVIDIA device
// plugin does, e.g. "NVIDIA H100 80GB HBM3" becomes "NVIDIA-H100-80GB-HBM3".
//
// ref. https://github.com/NVIDIA/k8s-device-plugin/blob/f666bc3f836a09ae2fda439f3d7a8d8b06b48ac4/internal/lm/resource.go#L187-L204
func SanitizeProductName(productName string) string {
	productName = strings.TrimSpace(productName)
	productName = productNameSanitizerRegexp.ReplaceAllString(productName, "")
	return strings.Join(strings.Fields(productName), "-")
}
