package codecache

import (
	"sync"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// LookasideConfig sizes the resolve lookaside cache.
type LookasideConfig struct {
	// Entries is the total number of cached guest entry points.
	Entries int `json:"entries"`
	// Associativity is the number of ways per set.
	Associativity int `json:"associativity"`
	// BlockSize is the guest address granularity of one entry in bytes.
	BlockSize int `json:"block_size"`
}

// DefaultLookasideConfig returns a 4096-entry, 4-way cache with one entry per
// guest instruction slot.
func DefaultLookasideConfig() LookasideConfig {
	return LookasideConfig{
		Entries:       4096,
		Associativity: 4,
		BlockSize:     4,
	}
}

// LookasideStats counts lookaside activity.
type LookasideStats struct {
	Lookups   uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Lookaside is a set-associative guest->host entry cache consulted by the
// resolver before it walks the function registry.
type Lookaside struct {
	config LookasideConfig

	mu        sync.Mutex
	directory *akitacache.DirectoryImpl
	// hosts is indexed by setID*associativity + wayID.
	hosts []uintptr
	stats LookasideStats
}

// NewLookaside creates a lookaside cache with the given geometry.
func NewLookaside(config LookasideConfig) *Lookaside {
	numSets := config.Entries / config.Associativity
	return &Lookaside{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		hosts: make([]uintptr, numSets*config.Associativity),
	}
}

func (l *Lookaside) blockAddr(guest uint32) uint64 {
	bs := uint64(l.config.BlockSize)
	return uint64(guest) / bs * bs
}

func (l *Lookaside) index(block *akitacache.Block) int {
	return block.SetID*l.config.Associativity + block.WayID
}

// Lookup returns the cached host entry for guest.
func (l *Lookaside) Lookup(guest uint32) (uintptr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.Lookups++
	block := l.directory.Lookup(0, l.blockAddr(guest))
	if block == nil || !block.IsValid {
		l.stats.Misses++
		return 0, false
	}
	l.stats.Hits++
	l.directory.Visit(block)
	return l.hosts[l.index(block)], true
}

// Insert caches host as the entry for guest, evicting the LRU way if needed.
func (l *Lookaside) Insert(guest uint32, host uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	addr := l.blockAddr(guest)
	block := l.directory.Lookup(0, addr)
	if block == nil || !block.IsValid {
		block = l.directory.FindVictim(addr)
		if block == nil {
			return
		}
		if block.IsValid {
			l.stats.Evictions++
		}
		block.Tag = addr
		block.IsValid = true
	}
	l.hosts[l.index(block)] = host
	l.directory.Visit(block)
}

// Invalidate drops the entry for guest.
func (l *Lookaside) Invalidate(guest uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	block := l.directory.Lookup(0, l.blockAddr(guest))
	if block != nil && block.IsValid {
		block.IsValid = false
	}
}

// Reset drops every entry and clears statistics.
func (l *Lookaside) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.directory.Reset()
	l.stats = LookasideStats{}
}

// Stats returns a snapshot of the statistics.
func (l *Lookaside) Stats() LookasideStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
