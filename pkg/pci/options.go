package pci

// DefaultDevicesRoot is where the kernel exposes PCI devices.
const DefaultDevicesRoot = "/sys/bus/pci/devices"

type Op struct {
	devicesRoot       string
	devMem            bool
	ignoreDriverCheck bool
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) error {
	for _, opt := range opts {
		opt(op)
	}

	if op.devicesRoot == "" {
		op.devicesRoot = DefaultDevicesRoot
	}

	return nil
}

// WithDevicesRoot overrides the sysfs PCI devices directory, used by tests
// that build fake trees under t.TempDir().
func WithDevicesRoot(root string) OpOption {
	return func(op *Op) {
		op.devicesRoot = root
	}
}

// WithDevMem maps BARs through /dev/mem at their physical addresses instead
// of through the per-device sysfs resourceN files.
func WithDevMem() OpOption {
	return func(op *Op) {
		op.devMem = true
	}
}

// WithIgnoreDriverCheck allows selecting devices that are bound to a kernel
// driver. Poking registers under a live driver is for people who know what
// they are doing.
func WithIgnoreDriverCheck() OpOption {
	return func(op *Op) {
		op.ignoreDriverCheck = true
	}
}
