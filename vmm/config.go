package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/bobuhiro11/govmx/debugring"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/x86"
)

var errBadConfig = errors.New("invalid config")

// Config describes a boot: what the loader would hand over before the
// platform starts every core.
type Config struct {
	Cores        int                 `yaml:"cores"`
	PoolSize     string              `yaml:"pool_size"`
	PhysBase     uint64              `yaml:"phys_base"`
	PhysAddrBits uint                `yaml:"phys_addr_bits"`
	RingCapacity int                 `yaml:"ring_capacity"`
	Descriptors  []memory.Descriptor `yaml:"descriptors"`
}

// DefaultConfig boots one core with a 1 MiB pool.
func DefaultConfig() Config {
	return Config{
		Cores:        1,
		PoolSize:     "1M",
		PhysBase:     0x1000000,
		PhysAddrBits: x86.DefaultPhysAddrBits,
		RingCapacity: debugring.DefaultCapacity,
	}
}

// LoadConfig reads a yaml config over the defaults. Unknown keys are an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// PoolBytes is the pool size in bytes.
func (c Config) PoolBytes() (int, error) {
	return memory.ParseSize(c.PoolSize)
}

// Validate checks c for values no boot could succeed with.
func (c Config) Validate() error {
	if c.Cores < 1 || c.Cores > 0xffff {
		return fmt.Errorf("cores %d: %w", c.Cores, errBadConfig)
	}

	size, err := c.PoolBytes()
	if err != nil {
		return fmt.Errorf("pool_size %q: %w: %w", c.PoolSize, err, errBadConfig)
	}

	if size <= 0 || size%x86.PageSize != 0 {
		return fmt.Errorf("pool_size %d is not a multiple of %d: %w", size, x86.PageSize, errBadConfig)
	}

	if c.PhysBase%x86.PageSize != 0 {
		return fmt.Errorf("phys_base %#x: %w", c.PhysBase, errBadConfig)
	}

	if c.PhysAddrBits < 32 || c.PhysAddrBits > 52 {
		return fmt.Errorf("phys_addr_bits %d: %w", c.PhysAddrBits, errBadConfig)
	}

	if c.RingCapacity < 1 {
		return fmt.Errorf("ring_capacity %d: %w", c.RingCapacity, errBadConfig)
	}

	return nil
}

// Options turns the VMM-wide settings of c into options for New.
func (c Config) Options() []Option {
	return []Option{
		WithRingCapacity(c.RingCapacity),
		WithPhysAddrBits(c.PhysAddrBits),
	}
}

// Boot replays the loader sequence through Request: the pool, the extra
// descriptors written to loader memory at mdlAddr, then InitVMM on every
// core at once. The first failing core cancels the rest; cores that did
// start stay up and are stopped by Close.
func (v *VMM) Boot(ctx context.Context, cfg Config, mdl io.WriterAt, mdlAddr uint64) error {
	size, err := cfg.PoolBytes()
	if err != nil {
		return err
	}

	if err := v.Request(InitMemoryPool, uint64(size), cfg.PhysBase).Err(); err != nil {
		return fmt.Errorf("%v: %w", InitMemoryPool, err)
	}

	if len(cfg.Descriptors) > 0 {
		if _, err := mdl.WriteAt(memory.EncodeDescriptors(cfg.Descriptors), int64(mdlAddr)); err != nil {
			return fmt.Errorf("writing memory descriptor list: %w", err)
		}

		if err := v.Request(AddMDL, mdlAddr, uint64(len(cfg.Descriptors))).Err(); err != nil {
			return fmt.Errorf("%v: %w", AddMDL, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for core := 0; core < cfg.Cores; core++ {
		core := core
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := v.Request(InitVMM, uint64(core), 0).Err(); err != nil {
				return fmt.Errorf("%v core %d: %w", InitVMM, core, err)
			}

			return nil
		})
	}

	return g.Wait()
}
