package emu

import (
	"github.com/sarchlab/akita/v4/mem/vm"
)

// AddressTranslator maps guest virtual addresses to guest physical addresses.
type AddressTranslator interface {
	Translate(virtual uint32) (physical uint32, ok bool)
}

// guestPID is the single address space all guest threads share.
const guestPID vm.PID = 1

// PageTableTranslator is an AddressTranslator backed by an Akita page table.
type PageTableTranslator struct {
	table    vm.PageTable
	pageSize uint64
}

// NewPageTableTranslator creates a translator with 1<<log2PageSize byte pages.
func NewPageTableTranslator(log2PageSize uint64) *PageTableTranslator {
	return &PageTableTranslator{
		table:    vm.NewPageTable(log2PageSize),
		pageSize: 1 << log2PageSize,
	}
}

// Map installs a virtual->physical mapping covering size bytes. Both
// addresses are truncated to page boundaries.
func (t *PageTableTranslator) Map(virtual, physical, size uint32) {
	mask := t.pageSize - 1
	v := uint64(virtual) &^ mask
	p := uint64(physical) &^ mask
	end := uint64(virtual) + uint64(size)
	for ; v < end; v, p = v+t.pageSize, p+t.pageSize {
		if _, found := t.table.Find(guestPID, v); found {
			t.table.Update(vm.Page{
				PID:      guestPID,
				VAddr:    v,
				PAddr:    p,
				PageSize: t.pageSize,
				Valid:    true,
			})
			continue
		}
		t.table.Insert(vm.Page{
			PID:      guestPID,
			VAddr:    v,
			PAddr:    p,
			PageSize: t.pageSize,
			Valid:    true,
		})
	}
}

// Unmap removes the mappings covering size bytes from virtual.
func (t *PageTableTranslator) Unmap(virtual, size uint32) {
	mask := t.pageSize - 1
	end := uint64(virtual) + uint64(size)
	for v := uint64(virtual) &^ mask; v < end; v += t.pageSize {
		if _, found := t.table.Find(guestPID, v); found {
			t.table.Remove(guestPID, v)
		}
	}
}

// Translate returns the physical address for virtual.
func (t *PageTableTranslator) Translate(virtual uint32) (uint32, bool) {
	page, found := t.table.Find(guestPID, uint64(virtual))
	if !found || !page.Valid {
		return 0, false
	}
	return uint32(page.PAddr + (uint64(virtual) - page.VAddr)), true
}
