// Package codecache holds generated host code and maps guest addresses to
// host entry points.
package codecache

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

var (
	// ErrRangeNotCommitted is returned for guest addresses outside every
	// committed executable range.
	ErrRangeNotCommitted = errors.New("guest address not in a committed executable range")
	// ErrArenaFull is returned when the code arena has no room left.
	ErrArenaFull = errors.New("code cache arena exhausted")
	// ErrOutsideArena is returned for host addresses not owned by the cache.
	ErrOutsideArena = errors.New("host address outside code cache")
)

// codeAlignment is the alignment of every placed code block.
const codeAlignment = 16

// indirectionRange holds the guest->host table for one committed range. Each
// entry covers one 4-byte guest instruction slot.
type indirectionRange struct {
	low, high uint32
	entries   []atomic.Uint64
}

// Cache is an executable memory arena plus the guest->host indirection table
// and the function registry.
type Cache struct {
	mem  []byte
	base uintptr
	next atomic.Uint64

	defaultTarget atomic.Uint64

	mu        sync.RWMutex
	ranges    []*indirectionRange
	functions []*Function
	byGuest   map[uint32]*Function
}

// New maps a code arena of size bytes.
func New(size int) (*Cache, error) {
	mem, err := mapArena(size)
	if err != nil {
		return nil, err
	}
	return &Cache{
		mem:     mem,
		base:    uintptr(unsafe.Pointer(&mem[0])),
		byGuest: make(map[uint32]*Function),
	}, nil
}

// Close unmaps the arena. No generated code may run afterwards.
func (c *Cache) Close() error {
	if c.mem == nil {
		return nil
	}
	err := unmapArena(c.mem)
	c.mem = nil
	return err
}

// Base returns the first host address of the arena.
func (c *Cache) Base() uintptr {
	return c.base
}

// Size returns the arena size in bytes.
func (c *Cache) Size() int {
	return len(c.mem)
}

// Used returns the number of arena bytes handed out.
func (c *Cache) Used() int {
	return int(c.next.Load())
}

// Contains reports whether pc lies inside the arena.
func (c *Cache) Contains(pc uintptr) bool {
	return pc >= c.base && pc < c.base+uintptr(len(c.mem))
}

// Protect switches the arena between writable and executable.
func (c *Cache) Protect(executable bool) error {
	return protectArena(c.mem, executable)
}

func (c *Cache) reserve(n int) (uintptr, error) {
	size := uint64((n + codeAlignment - 1) &^ (codeAlignment - 1))
	for {
		cur := c.next.Load()
		if cur+size > uint64(len(c.mem)) {
			return 0, errors.Wrapf(ErrArenaFull, "need %d bytes", n)
		}
		if c.next.CompareAndSwap(cur, cur+size) {
			return c.base + uintptr(cur), nil
		}
	}
}

// PlaceHostCode copies code that is not associated with a guest function
// (thunks, helpers, trampoline stubs) into the arena.
func (c *Cache) PlaceHostCode(code []byte) (uintptr, error) {
	addr, err := c.reserve(len(code))
	if err != nil {
		return 0, err
	}
	copy(c.mem[addr-c.base:], code)
	return addr, nil
}

// PlaceGuestCode copies the code of a translated guest function into the
// arena, registers it, and points its indirection entry at it. The returned
// function carries the final host address.
func (c *Cache) PlaceGuestCode(fn Function, code []byte) (*Function, error) {
	addr, err := c.PlaceHostCode(code)
	if err != nil {
		return nil, err
	}
	placed := fn
	placed.HostAddress = addr
	placed.HostSize = uint32(len(code))

	c.mu.Lock()
	i := sort.Search(len(c.functions), func(i int) bool {
		return c.functions[i].HostAddress > addr
	})
	c.functions = append(c.functions, nil)
	copy(c.functions[i+1:], c.functions[i:])
	c.functions[i] = &placed
	c.byGuest[placed.GuestAddress] = &placed
	c.mu.Unlock()

	if err := c.AddIndirection(placed.GuestAddress, addr); err != nil &&
		!errors.Is(err, ErrRangeNotCommitted) {
		return nil, err
	}
	return &placed, nil
}

// SetDefaultIndirectionTarget sets the host address new indirection entries
// start out pointing at (the resolve-function thunk).
func (c *Cache) SetDefaultIndirectionTarget(host uintptr) {
	c.defaultTarget.Store(uint64(host))
}

// CommitExecutableRange makes guest code in [low, high) translatable. Every
// slot starts at the default indirection target. Overlapping commits of an
// existing range are ignored.
func (c *Cache) CommitExecutableRange(low, high uint32) error {
	if high <= low {
		return errors.Newf("empty executable range [%#x, %#x)", low, high)
	}
	low &^= 3
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.ranges {
		if low < r.high && r.low < high {
			if low >= r.low && high <= r.high {
				return nil
			}
			return errors.Newf("executable range [%#x, %#x) overlaps [%#x, %#x)",
				low, high, r.low, r.high)
		}
	}
	r := &indirectionRange{
		low:     low,
		high:    high,
		entries: make([]atomic.Uint64, (uint64(high)-uint64(low)+3)/4),
	}
	def := c.defaultTarget.Load()
	for i := range r.entries {
		r.entries[i].Store(def)
	}
	i := sort.Search(len(c.ranges), func(i int) bool { return c.ranges[i].low > low })
	c.ranges = append(c.ranges, nil)
	copy(c.ranges[i+1:], c.ranges[i:])
	c.ranges[i] = r
	return nil
}

func (c *Cache) rangeFor(guest uint32) *indirectionRange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.ranges), func(i int) bool { return c.ranges[i].low > guest })
	if i == 0 {
		return nil
	}
	r := c.ranges[i-1]
	if guest >= r.high {
		return nil
	}
	return r
}

// IsCommitted reports whether guest lies in a committed executable range.
func (c *Cache) IsCommitted(guest uint32) bool {
	return c.rangeFor(guest) != nil
}

// AddIndirection points the indirection entry for guest at host.
func (c *Cache) AddIndirection(guest uint32, host uintptr) error {
	r := c.rangeFor(guest)
	if r == nil {
		return errors.Wrapf(ErrRangeNotCommitted, "guest %#x", guest)
	}
	r.entries[(guest-r.low)/4].Store(uint64(host))
	return nil
}

// LookupIndirection returns the host address generated code jumps to for a
// call to guest.
func (c *Cache) LookupIndirection(guest uint32) (uintptr, error) {
	r := c.rangeFor(guest)
	if r == nil {
		return 0, errors.Wrapf(ErrRangeNotCommitted, "guest %#x", guest)
	}
	return uintptr(r.entries[(guest-r.low)/4].Load()), nil
}

// LookupFunction returns the translated function whose code contains pc.
func (c *Cache) LookupFunction(pc uintptr) *Function {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.functions), func(i int) bool {
		return c.functions[i].HostAddress > pc
	})
	if i == 0 {
		return nil
	}
	fn := c.functions[i-1]
	if !fn.ContainsHost(pc) {
		return nil
	}
	return fn
}

// LookupGuestFunction returns the function translated for entry guest.
func (c *Cache) LookupGuestFunction(guest uint32) *Function {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byGuest[guest]
}

// FunctionsContaining returns every translated function covering guest.
func (c *Cache) FunctionsContaining(guest uint32) []*Function {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Function
	for _, fn := range c.functions {
		if fn.ContainsGuest(guest) {
			out = append(out, fn)
		}
	}
	return out
}

// ReadCode returns a copy of n bytes of code at host.
func (c *Cache) ReadCode(host uintptr, n int) ([]byte, error) {
	if !c.Contains(host) || host+uintptr(n) > c.base+uintptr(len(c.mem)) {
		return nil, errors.Wrapf(ErrOutsideArena, "read %d bytes at %#x", n, host)
	}
	out := make([]byte, n)
	copy(out, c.mem[host-c.base:])
	return out, nil
}

// PatchCode overwrites code at host and returns the bytes it replaced.
func (c *Cache) PatchCode(host uintptr, data []byte) ([]byte, error) {
	old, err := c.ReadCode(host, len(data))
	if err != nil {
		return nil, err
	}
	copy(c.mem[host-c.base:], data)
	return old, nil
}
