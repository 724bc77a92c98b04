// Package platform holds the architectural constants spec.md §6 calls
// "fixed by the platform" as one immutable configuration object,
// loaded once at boot from a YAML platform descriptor rather than
// baked in as compile-time switches (spec.md §9's "granule-dependent
// constants" design note).
package platform

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Granule identifies the MMU's base page size, fixing the Stage-2
// level index widths.
type Granule int

const (
	Granule4K Granule = iota
	Granule16K
	Granule64K
)

func (g Granule) String() string {
	switch g {
	case Granule4K:
		return "4K"
	case Granule16K:
		return "16K"
	case Granule64K:
		return "64K"
	default:
		return "unknown"
	}
}

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// GranuleLayout captures the per-granule constants named in spec.md
// §4.1: the block size a single level-2 entry maps, the span of a
// single level-1 entry, and the number of physical pages needed to
// back one level-2 table.
type GranuleLayout struct {
	PageSize     uint64
	L2BlockSize  uint64
	L1Span       uint64
	L2TablePages uint64
}

var granuleLayouts = map[Granule]GranuleLayout{
	Granule4K:  {PageSize: 4 * KiB, L2BlockSize: 2 * MiB, L1Span: 1 * GiB, L2TablePages: 1},
	Granule16K: {PageSize: 16 * KiB, L2BlockSize: 16 * KiB, L1Span: 32 * MiB, L2TablePages: 4},
	Granule64K: {PageSize: 64 * KiB, L2BlockSize: 64 * KiB, L1Span: 512 * MiB, L2TablePages: 16},
}

// Layout returns the granule's fixed layout constants.
func (g Granule) Layout() (GranuleLayout, error) {
	l, ok := granuleLayouts[g]
	if !ok {
		return GranuleLayout{}, errors.Errorf("platform: unknown granule %d", g)
	}
	return l, nil
}

// L2EntriesPerTable returns the number of level-2 block entries spanned by a
// single level-1 entry's worth of IPA space.
func (l GranuleLayout) L2EntriesPerTable() uint64 {
	return l.L1Span / l.L2BlockSize
}

// Config is the immutable, platform-wide configuration object.
// Architectural constants named in spec.md §6.
type Config struct {
	NRCPUs             int     `yaml:"nr_cpus"`
	MaxPhysicalSize    uint64  `yaml:"max_physical_size"`
	Granule            Granule `yaml:"-"`
	GranuleName        string  `yaml:"granule"`
	VCPUMaxActiveIRQs  int     `yaml:"vcpu_max_active_irqs"`
	VCPUMaxLocalIRQs   int     `yaml:"-"`
	Debug              bool    `yaml:"debug"`
}

// VCPUMaxLocalIRQsFixed is VCPU_MAX_LOCAL_IRQS from spec.md §6: fixed
// at 32 regardless of platform, never configurable.
const VCPUMaxLocalIRQsFixed = 32

// DefaultVCPUMaxActiveIRQs is CONFIG_VCPU_MAX_ACTIVE_IRQS's documented
// default.
const DefaultVCPUMaxActiveIRQs = 16

// Default returns the configuration used when no platform descriptor
// is supplied: a 4K granule, single-cluster (8 cpu) platform sized for
// a 40-bit IPA space, matching the values exercised by S1 in spec.md §8.
func Default() Config {
	return Config{
		NRCPUs:            8,
		MaxPhysicalSize:   1 << 40,
		Granule:           Granule4K,
		GranuleName:       "4K",
		VCPUMaxActiveIRQs: DefaultVCPUMaxActiveIRQs,
		VCPUMaxLocalIRQs:  VCPUMaxLocalIRQsFixed,
	}
}

// Load parses a YAML platform descriptor into a Config, applying
// defaults for any field the descriptor omits.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "platform: decoding config")
	}
	cfg.VCPUMaxLocalIRQs = VCPUMaxLocalIRQsFixed

	switch cfg.GranuleName {
	case "", "4K":
		cfg.Granule = Granule4K
	case "16K":
		cfg.Granule = Granule16K
	case "64K":
		cfg.Granule = Granule64K
	default:
		return Config{}, errors.Errorf("platform: unknown granule %q", cfg.GranuleName)
	}
	if cfg.VCPUMaxActiveIRQs == 0 {
		cfg.VCPUMaxActiveIRQs = DefaultVCPUMaxActiveIRQs
	}
	if cfg.NRCPUs == 0 {
		cfg.NRCPUs = Default().NRCPUs
	}
	if cfg.MaxPhysicalSize == 0 {
		cfg.MaxPhysicalSize = Default().MaxPhysicalSize
	}
	return cfg, nil
}
