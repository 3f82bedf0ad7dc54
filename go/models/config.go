package models

import (
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
)

type Config struct {
	BackingDir     string `env:"AREACORN_BACKING_DIR"`
	PageSize       uint64 `env:"AREACORN_PAGE_SIZE"       envDefault:"4096"`
	BaseAddress    uint64 `env:"AREACORN_BASE_ADDRESS"    envDefault:"1048576"`
	RandomizeRange uint64 `env:"AREACORN_RANDOMIZE_RANGE" envDefault:"33554432"`
	Debug          bool   `env:"AREACORN_DEBUG"`
	Simulate       bool   `env:"AREACORN_SIMULATE"`
	Unicorn        bool   `env:"AREACORN_UNICORN"`
	MaxBackingRefs int    `env:"AREACORN_MAX_BACKING_REFS"`
}

// ParseConfig reads the environment and fills in the backing directory from
// the user cache folder when it is not set.
func ParseConfig() (*Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return nil, errors.Wrap(err, "parsing environment")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return errors.Wrapf(ErrBadValue, "page size %#x is not a power of two", c.PageSize)
	}
	if c.BaseAddress%c.PageSize != 0 {
		return errors.Wrapf(ErrBadValue, "base address %#x is not page aligned", c.BaseAddress)
	}
	if c.BackingDir == "" {
		c.BackingDir = DefaultBackingDir()
	}
	return nil
}

func DefaultBackingDir() string {
	dirs := configdir.New("areacorn", "shm")
	if cache := dirs.QueryCacheFolder(); cache != nil && cache.Path != "" {
		return cache.Path
	}
	return filepath.Join(filepath.FromSlash("/tmp"), "areacorn-shm")
}

// PageAlign rounds addr down and size up so the returned range covers the
// original one in whole pages.
func (c *Config) PageAlign(addr, size uint64) (uint64, uint64) {
	mask := ^(c.PageSize - 1)
	right := (addr + size + c.PageSize - 1) & mask
	addr &= mask
	return addr, right - addr
}

func (c *Config) RoundUp(size uint64) uint64 {
	return (size + c.PageSize - 1) &^ (c.PageSize - 1)
}
