package backend

import "unsafe"

// Stack correlation saturation: once the depth reaches the configured maximum
// further pushes are dropped (the newest record is lost) but the depth keeps
// counting, so every push still pairs with exactly one pop. Lookups and stack
// traces only see the stored prefix.

func (c *ThreadContext) records() []Stackpoint {
	if c.stackpoints == nil || c.maxStackpoints == 0 {
		return nil
	}
	return unsafe.Slice(c.stackpoints, c.maxStackpoints)
}

func (c *ThreadContext) storedDepth() int {
	return min(int(c.currentStackpointDepth), int(c.maxStackpoints))
}

// PushStackpoint records a correlated frame at the current depth and
// increments the depth. It returns false when the table is saturated and the
// record was dropped.
func (c *ThreadContext) PushStackpoint(hostSP uint64, guestSP, guestReturn uint32) bool {
	recs := c.records()
	depth := c.currentStackpointDepth
	c.currentStackpointDepth++
	if int(depth) >= len(recs) {
		return false
	}
	recs[depth] = Stackpoint{
		HostStack:          hostSP,
		GuestStack:         guestSP,
		GuestReturnAddress: guestReturn,
	}
	return true
}

// PopStackpoint removes the innermost frame. The returned record is only
// meaningful when stored is true; popping at depth zero does nothing.
func (c *ThreadContext) PopStackpoint() (sp Stackpoint, stored bool) {
	if c.currentStackpointDepth == 0 {
		return Stackpoint{}, false
	}
	c.currentStackpointDepth--
	recs := c.records()
	if int(c.currentStackpointDepth) >= len(recs) {
		return Stackpoint{}, false
	}
	return recs[c.currentStackpointDepth], true
}

// Stackpoints returns the live stored records, outermost first. The slice
// aliases the table and is only valid until the next push or pop.
func (c *ThreadContext) Stackpoints() []Stackpoint {
	recs := c.records()
	if recs == nil {
		return nil
	}
	return recs[:c.storedDepth()]
}

// LookupStackpoint returns the innermost live record whose host stack pointer
// is the largest one not above hostSP, together with its index.
func (c *ThreadContext) LookupStackpoint(hostSP uint64) (Stackpoint, int, bool) {
	recs := c.Stackpoints()
	best := -1
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].HostStack > hostSP {
			continue
		}
		if best < 0 || recs[i].HostStack > recs[best].HostStack {
			best = i
		}
	}
	if best < 0 {
		return Stackpoint{}, -1, false
	}
	return recs[best], best, true
}

// SynchronizeStack unwinds frames the guest has already left, identified by a
// recorded guest stack pointer below guestSP (the guest stack grows down).
// It returns the host stack pointer of the surviving innermost frame and the
// number of frames discarded. Dropped records beyond the saturation point are
// treated as live.
func (c *ThreadContext) SynchronizeStack(guestSP uint32) (hostSP uint64, unwound int, ok bool) {
	recs := c.records()
	for c.currentStackpointDepth > 0 && int(c.currentStackpointDepth) <= len(recs) {
		top := recs[c.currentStackpointDepth-1]
		if top.GuestStack >= guestSP {
			return top.HostStack, unwound, true
		}
		c.currentStackpointDepth--
		unwound++
	}
	return 0, unwound, false
}
