package backend

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

var processStart = time.Now()

// hostTicks reads the monotonic clock in nanoseconds since process start.
func hostTicks() uint64 {
	return uint64(time.Since(processStart))
}

// Profiler accumulates host time spent in each guest function. Records are
// created on first request and never move, so generated code may keep a
// pointer to one.
type Profiler struct {
	mu      sync.Mutex
	records map[uint32]*uint64
}

// NewProfiler creates an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{records: make(map[uint32]*uint64)}
}

// RecordForFunction returns the accumulator for guest, creating it.
func (p *Profiler) RecordForFunction(guest uint32) *uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[guest]
	if !ok {
		rec = new(uint64)
		p.records[guest] = rec
	}
	return rec
}

// ProfileSample is one timed entry into a function.
type ProfileSample struct {
	record *uint64
	start  uint64
}

// Begin starts timing an entry into guest.
func (p *Profiler) Begin(guest uint32) ProfileSample {
	return ProfileSample{record: p.RecordForFunction(guest), start: hostTicks()}
}

// End adds the elapsed time to the function's accumulator.
func (s ProfileSample) End() {
	if s.record == nil {
		return
	}
	atomic.AddUint64(s.record, hostTicks()-s.start)
}

// Snapshot copies all accumulators.
func (p *Profiler) Snapshot() map[uint32]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return lo.MapValues(p.records, func(rec *uint64, _ uint32) uint64 {
		return atomic.LoadUint64(rec)
	})
}

// Reset zeroes all accumulators in place.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range p.records {
		atomic.StoreUint64(rec, 0)
	}
}

// ProfileEntry is one function's accumulated time.
type ProfileEntry struct {
	GuestAddress uint32
	Nanoseconds  uint64
}

// Top returns up to n functions with the most accumulated time.
func (p *Profiler) Top(n int) []ProfileEntry {
	entries := lo.MapToSlice(p.Snapshot(), func(guest uint32, ns uint64) ProfileEntry {
		return ProfileEntry{GuestAddress: guest, Nanoseconds: ns}
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Nanoseconds != entries[j].Nanoseconds {
			return entries[i].Nanoseconds > entries[j].Nanoseconds
		}
		return entries[i].GuestAddress < entries[j].GuestAddress
	})
	return lo.Subset(entries, 0, uint(n))
}
