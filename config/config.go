// Package config holds the runtime configuration of the translation backend.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/xyproto/env/v2"

	"github.com/sarchlab/xrt/backend/codecache"
)

// Guest trampoline range defaults. The range lies where the hypervisor would
// normally live, which running titles never map.
const (
	DefaultTrampolineBase   = 0x80000000
	DefaultTrampolineEnd    = 0x80040000
	DefaultTrampolineMinLen = 8
)

// Config holds backend settings.
type Config struct {
	// MaxStackpoints is the capacity of each thread's stack correlation
	// table.
	MaxStackpoints uint32 `json:"max_stackpoints"`

	// EnableHostGuestStackSynchronization turns on stack correlation. When
	// off, no stackpoint storage is allocated and pseudo stack traces are
	// unavailable.
	EnableHostGuestStackSynchronization bool `json:"enable_host_guest_stack_synchronization"`

	// X64ExtensionMask limits which detected host extensions generated code
	// may use.
	X64ExtensionMask uint64 `json:"x64_extension_mask"`

	// EnableProfiler turns on per-function wall-clock accounting.
	EnableProfiler bool `json:"enable_profiler"`

	// TrampolineBase and TrampolineEnd bound the guest trampoline range;
	// TrampolineMinLen is the slot size in bytes.
	TrampolineBase   uint32 `json:"trampoline_base"`
	TrampolineEnd    uint32 `json:"trampoline_end"`
	TrampolineMinLen uint32 `json:"trampoline_min_len"`

	// CodeCacheSize is the size of the executable arena in bytes.
	CodeCacheSize int `json:"code_cache_size"`

	// Lookaside sizes the resolve lookaside cache.
	Lookaside codecache.LookasideConfig `json:"lookaside"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxStackpoints:                      65536,
		EnableHostGuestStackSynchronization: true,
		X64ExtensionMask:                    ^uint64(0),
		EnableProfiler:                      false,
		TrampolineBase:                      DefaultTrampolineBase,
		TrampolineEnd:                       DefaultTrampolineEnd,
		TrampolineMinLen:                    DefaultTrampolineMinLen,
		CodeCacheSize:                       32 * 1024 * 1024,
		Lookaside:                           codecache.DefaultLookasideConfig(),
	}
}

// Load reads a Config from a JSON file. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read backend config file")
	}

	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "failed to parse backend config")
	}

	return c, nil
}

// Save writes the Config to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize backend config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write backend config file")
	}

	return nil
}

// ApplyEnvironment overrides fields from XRT_* environment variables. The
// environment is re-read on every call.
func (c *Config) ApplyEnvironment() {
	env.Load()

	if env.Has("XRT_MAX_STACKPOINTS") {
		c.MaxStackpoints = uint32(env.Int("XRT_MAX_STACKPOINTS", int(c.MaxStackpoints)))
	}
	if env.Has("XRT_STACK_SYNC") {
		c.EnableHostGuestStackSynchronization = env.Bool("XRT_STACK_SYNC")
	}
	if env.Has("XRT_EXTENSION_MASK") {
		// Accepts hex masks such as 0x1F.
		if mask, err := strconv.ParseUint(env.Str("XRT_EXTENSION_MASK"), 0, 64); err == nil {
			c.X64ExtensionMask = mask
		}
	}
	if env.Has("XRT_PROFILER") {
		c.EnableProfiler = env.Bool("XRT_PROFILER")
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.EnableHostGuestStackSynchronization && c.MaxStackpoints == 0 {
		return errors.New("max_stackpoints must be > 0 when stack synchronization is enabled")
	}
	if c.TrampolineMinLen == 0 || c.TrampolineMinLen&(c.TrampolineMinLen-1) != 0 {
		return errors.New("trampoline_min_len must be a power of two")
	}
	if c.TrampolineEnd <= c.TrampolineBase {
		return errors.New("trampoline_end must be above trampoline_base")
	}
	if (c.TrampolineEnd-c.TrampolineBase)%c.TrampolineMinLen != 0 {
		return errors.New("trampoline range must be a multiple of trampoline_min_len")
	}
	if c.CodeCacheSize <= 0 {
		return errors.New("code_cache_size must be > 0")
	}
	l := c.Lookaside
	if l.Entries <= 0 || l.Associativity <= 0 || l.BlockSize <= 0 {
		return errors.New("lookaside geometry must be positive")
	}
	if l.Entries%l.Associativity != 0 {
		return errors.New("lookaside entries must be a multiple of associativity")
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// TrampolineSlots returns the number of trampoline slots in the range.
func (c *Config) TrampolineSlots() int {
	return int((c.TrampolineEnd - c.TrampolineBase) / c.TrampolineMinLen)
}
