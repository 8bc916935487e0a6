package emu

// Reserver provides the load-and-reserve / store-conditional primitive for
// one guest hardware thread.
type Reserver interface {
	Reserve32(addr uint32) uint32
	Reserve64(addr uint32) uint64
	StoreConditional32(addr uint32, value uint32) bool
	StoreConditional64(addr uint32, value uint64) bool
}

// LoadStoreUnit implements the guest load and store instructions the runtime
// gives semantics to. It is the reference behaviour generated code must match.
type LoadStoreUnit struct {
	ctx      *GuestContext
	memory   *Memory
	reserver Reserver
}

// NewLoadStoreUnit creates a LoadStoreUnit for one guest thread.
func NewLoadStoreUnit(ctx *GuestContext, memory *Memory, reserver Reserver) *LoadStoreUnit {
	return &LoadStoreUnit{
		ctx:      ctx,
		memory:   memory,
		reserver: reserver,
	}
}

// LBZ: rD = zero_extend(mem8[(rA|0) + d])
func (lsu *LoadStoreUnit) LBZ(rd, ra uint8, disp int16) {
	addr := lsu.ctx.EffectiveAddress(ra, disp)
	lsu.ctx.WriteReg(rd, uint64(lsu.memory.Read8(addr)))
}

// LHZ: rD = zero_extend(mem16[(rA|0) + d])
func (lsu *LoadStoreUnit) LHZ(rd, ra uint8, disp int16) {
	addr := lsu.ctx.EffectiveAddress(ra, disp)
	lsu.ctx.WriteReg(rd, uint64(lsu.memory.Read16(addr)))
}

// LWZ: rD = zero_extend(mem32[(rA|0) + d])
func (lsu *LoadStoreUnit) LWZ(rd, ra uint8, disp int16) {
	addr := lsu.ctx.EffectiveAddress(ra, disp)
	lsu.ctx.WriteReg(rd, uint64(lsu.memory.Read32(addr)))
}

// LWZX: rD = zero_extend(mem32[(rA|0) + rB])
func (lsu *LoadStoreUnit) LWZX(rd, ra, rb uint8) {
	addr := lsu.ctx.IndexedAddress(ra, rb)
	lsu.ctx.WriteReg(rd, uint64(lsu.memory.Read32(addr)))
}

// LD: rD = mem64[(rA|0) + d]
func (lsu *LoadStoreUnit) LD(rd, ra uint8, disp int16) {
	addr := lsu.ctx.EffectiveAddress(ra, disp)
	lsu.ctx.WriteReg(rd, lsu.memory.Read64(addr))
}

// STB: mem8[(rA|0) + d] = rS[56:63]
func (lsu *LoadStoreUnit) STB(rs, ra uint8, disp int16) {
	addr := lsu.ctx.EffectiveAddress(ra, disp)
	lsu.memory.Write8(addr, uint8(lsu.ctx.ReadReg(rs)))
}

// STH: mem16[(rA|0) + d] = rS[48:63]
func (lsu *LoadStoreUnit) STH(rs, ra uint8, disp int16) {
	addr := lsu.ctx.EffectiveAddress(ra, disp)
	lsu.memory.Write16(addr, uint16(lsu.ctx.ReadReg(rs)))
}

// STW: mem32[(rA|0) + d] = rS[32:63]
func (lsu *LoadStoreUnit) STW(rs, ra uint8, disp int16) {
	addr := lsu.ctx.EffectiveAddress(ra, disp)
	lsu.memory.Write32(addr, lsu.ctx.ReadReg32(rs))
}

// STWX: mem32[(rA|0) + rB] = rS[32:63]
func (lsu *LoadStoreUnit) STWX(rs, ra, rb uint8) {
	addr := lsu.ctx.IndexedAddress(ra, rb)
	lsu.memory.Write32(addr, lsu.ctx.ReadReg32(rs))
}

// STD: mem64[(rA|0) + d] = rS
func (lsu *LoadStoreUnit) STD(rs, ra uint8, disp int16) {
	addr := lsu.ctx.EffectiveAddress(ra, disp)
	lsu.memory.Write64(addr, lsu.ctx.ReadReg(rs))
}

// LWARX loads a word and takes a reservation on its block.
func (lsu *LoadStoreUnit) LWARX(rd, ra, rb uint8) {
	addr := lsu.ctx.IndexedAddress(ra, rb)
	lsu.ctx.WriteReg(rd, uint64(lsu.reserver.Reserve32(addr)))
}

// LDARX loads a doubleword and takes a reservation on its block.
func (lsu *LoadStoreUnit) LDARX(rd, ra, rb uint8) {
	addr := lsu.ctx.IndexedAddress(ra, rb)
	lsu.ctx.WriteReg(rd, lsu.reserver.Reserve64(addr))
}

// STWCX stores a word if the reservation still holds and reports the outcome
// in CR0: EQ is set on success, SO copies XER[SO].
func (lsu *LoadStoreUnit) STWCX(rs, ra, rb uint8) bool {
	addr := lsu.ctx.IndexedAddress(ra, rb)
	ok := lsu.reserver.StoreConditional32(addr, lsu.ctx.ReadReg32(rs))
	lsu.setCR0(ok)
	return ok
}

// STDCX is the doubleword form of STWCX.
func (lsu *LoadStoreUnit) STDCX(rs, ra, rb uint8) bool {
	addr := lsu.ctx.IndexedAddress(ra, rb)
	ok := lsu.reserver.StoreConditional64(addr, lsu.ctx.ReadReg(rs))
	lsu.setCR0(ok)
	return ok
}

func (lsu *LoadStoreUnit) setCR0(ok bool) {
	lsu.ctx.CR[0] = CRField{EQ: ok, SO: lsu.ctx.XER.SO}
}
