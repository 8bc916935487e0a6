package codecache

import "sort"

// SourceMapEntry correlates one emitted host offset with the guest
// instruction it was generated from.
type SourceMapEntry struct {
	HostOffset   uint32
	GuestAddress uint32
}

// Function is one translated guest function placed in the code cache.
type Function struct {
	// GuestAddress is the guest entry point; GuestEnd is one past the last
	// guest byte covered.
	GuestAddress uint32
	GuestEnd     uint32

	// HostAddress is where the emitted code lives; HostSize is its length.
	HostAddress uintptr
	HostSize    uint32

	// SourceMap is sorted by HostOffset.
	SourceMap []SourceMapEntry
}

// ContainsHost reports whether pc lies inside the emitted code.
func (f *Function) ContainsHost(pc uintptr) bool {
	return pc >= f.HostAddress && pc < f.HostAddress+uintptr(f.HostSize)
}

// ContainsGuest reports whether addr lies inside the guest range.
func (f *Function) ContainsGuest(addr uint32) bool {
	return addr >= f.GuestAddress && addr < f.GuestEnd
}

// GuestAddressForHost maps a host pc back to the guest instruction whose
// code contains it.
func (f *Function) GuestAddressForHost(pc uintptr) (uint32, bool) {
	if !f.ContainsHost(pc) || len(f.SourceMap) == 0 {
		return 0, false
	}
	off := uint32(pc - f.HostAddress)
	i := sort.Search(len(f.SourceMap), func(i int) bool {
		return f.SourceMap[i].HostOffset > off
	})
	if i == 0 {
		return 0, false
	}
	return f.SourceMap[i-1].GuestAddress, true
}

// HostAddressesForGuest returns the start of every host code sequence
// emitted for the guest instruction at addr.
func (f *Function) HostAddressesForGuest(addr uint32) []uintptr {
	var out []uintptr
	for _, e := range f.SourceMap {
		if e.GuestAddress == addr {
			out = append(out, f.HostAddress+uintptr(e.HostOffset))
		}
	}
	return out
}
